package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/dpup/resq/server/internal/clients/google"
	"github.com/dpup/resq/server/internal/clients/nominatim"
	"github.com/dpup/resq/server/internal/clients/osrm"
	"github.com/dpup/resq/server/internal/clients/replay"
	"github.com/dpup/resq/server/internal/lib/geo"
	"github.com/dpup/resq/server/internal/lib/geofence"
	"github.com/dpup/resq/server/internal/lib/routing"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "route":
		handleRoute()
	case "geofence":
		handleGeofence()
	case "replay":
		handleReplay()
	case "decode-polyline":
		handleDecodePolyline()
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func handleRoute() {
	fs := flag.NewFlagSet("route", flag.ExitOnError)
	originStr := fs.String("origin", "7.0731,125.6128", "Origin coordinates (lat,lon)")
	destStr := fs.String("dest", "7.1907,125.4553", "Destination coordinates (lat,lon)")
	osrmURL := fs.String("osrm", "https://router.project-osrm.org", "OSRM base URL (empty to skip)")
	apiKey := fs.String("google-key", os.Getenv("GOOGLE_API_KEY"), "Google Routes API key (optional)")
	avoidTolls := fs.Bool("avoid-tolls", false, "Ask providers to avoid tolls")
	timeout := fs.Duration("timeout", 10*time.Second, "Per-provider timeout")

	fs.Parse(os.Args[2:])

	origin := mustParsePoint("origin", *originStr)
	dest := mustParsePoint("dest", *destStr)

	var providers []routing.Provider
	if *osrmURL != "" {
		providers = append(providers, osrm.NewClient("osrm", *osrmURL, *avoidTolls, *timeout))
	}
	if *apiKey != "" {
		providers = append(providers, google.NewClient(*apiKey, *avoidTolls))
	}
	if len(providers) == 0 {
		log.Fatal("No routing provider configured. Use -osrm or -google-key")
	}

	fmt.Printf("Route Planning Test\n")
	fmt.Printf("===================\n")
	fmt.Printf("Origin: %.6f, %.6f\n", origin.Latitude, origin.Longitude)
	fmt.Printf("Destination: %.6f, %.6f\n", dest.Latitude, dest.Longitude)
	fmt.Printf("Straight-line distance: %.2f km\n\n", geo.Distance(origin, dest)/1000)

	planner := routing.NewPlanner(providers, *timeout, nil)
	routes, err := planner.Plan(context.Background(), origin, dest)
	if err != nil {
		log.Fatalf("Plan failed: %v", err)
	}

	for i, r := range routes {
		label := "alternate"
		if r.Primary {
			label = "primary"
		}
		fmt.Printf("[%d] %-9s %s via %s (%d points)\n", i, label, r.Summary(), r.Provider, len(r.Points))
	}
}

func handleGeofence() {
	fs := flag.NewFlagSet("geofence", flag.ExitOnError)
	lat := fs.Float64("lat", 0, "Latitude to check")
	lng := fs.Float64("lng", 0, "Longitude to check")
	area := fs.String("area", "Davao City", "Service area name")
	centerStr := fs.String("center", "7.0731,125.6128", "Service area center (lat,lon)")
	radius := fs.Float64("radius", 25000, "Service area radius in meters")
	nominatimURL := fs.String("nominatim", "https://nominatim.openstreetmap.org", "Nominatim base URL (empty for distance only)")

	fs.Parse(os.Args[2:])

	if *lat == 0 && *lng == 0 {
		fmt.Println("Example usage:")
		fmt.Println("  resq-tool geofence --lat 7.0650 --lng 125.6080")
		os.Exit(1)
	}

	p, err := geo.NewPoint(*lat, *lng)
	if err != nil {
		log.Fatalf("Invalid point: %v", err)
	}

	var geocoder geofence.ReverseGeocoder
	if *nominatimURL != "" {
		geocoder = nominatim.NewClient(*nominatimURL, "resq-tool/1.0", "en", 10*time.Second)
	}

	evaluator := geofence.NewEvaluator(geofence.Area{
		Name:         *area,
		Center:       mustParsePoint("center", *centerStr),
		RadiusMeters: *radius,
	}, geocoder, 10*time.Second, nil)

	d := evaluator.Evaluate(context.Background(), p)
	fmt.Printf("Within:     %t\n", d.Within)
	fmt.Printf("Address:    %s\n", d.Address)
	fmt.Printf("By address: %t\n", d.ByAddress)
	fmt.Printf("By radius:  %t (%.0f m from center)\n", d.ByDistance, d.DistanceMeters)
}

func handleReplay() {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	file := fs.String("file", "", "Replay script to validate")

	fs.Parse(os.Args[2:])

	if *file == "" {
		log.Fatal("Replay script required. Use -file")
	}

	script, err := replay.LoadFile(*file)
	if err != nil {
		log.Fatalf("Invalid script: %v", err)
	}

	var elapsed time.Duration
	for i, step := range script.Steps {
		elapsed += step.After
		fmt.Printf("%3d  +%-8s %-6s %-7s %s\n", i, elapsed, step.Source, step.Op, step.ID)
	}
	fmt.Printf("\n%d steps over %s\n", len(script.Steps), elapsed)
}

func handleDecodePolyline() {
	fs := flag.NewFlagSet("decode-polyline", flag.ExitOnError)
	polyline := fs.String("polyline", "", "Encoded polyline string")

	fs.Parse(os.Args[2:])

	if *polyline == "" {
		fmt.Println("Example usage:")
		fmt.Println("  resq-tool decode-polyline --polyline '_p~iF~ps|U_ulLnnqC_mqNvxq`@'")
		os.Exit(1)
	}

	points, err := geo.DecodePolyline(*polyline)
	if err != nil {
		log.Fatalf("Error decoding polyline: %v", err)
	}

	fmt.Printf("Decoded %d points (%.2f km):\n", len(points), geo.PathLength(points)/1000)
	for i, p := range points {
		fmt.Printf("  %d: %.6f, %.6f\n", i, p.Latitude, p.Longitude)
	}
}

func mustParsePoint(name, s string) geo.Point {
	var lat, lon float64
	if _, err := fmt.Sscanf(s, "%f,%f", &lat, &lon); err != nil {
		log.Fatalf("Invalid %s coordinates: %v", name, err)
	}
	p, err := geo.NewPoint(lat, lon)
	if err != nil {
		log.Fatalf("Invalid %s coordinates: %v", name, err)
	}
	return p
}

func printUsage() {
	fmt.Println("resq-tool - responder diagnostics")
	fmt.Println()
	fmt.Println("Usage: resq-tool <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  route            Plan routes between two points with the configured providers")
	fmt.Println("  geofence         Check whether a point is inside the service area")
	fmt.Println("  replay           Validate a feed replay script")
	fmt.Println("  decode-polyline  Decode an encoded polyline")
	fmt.Println("  help             Show this help")
}
