// Command restaurant-guide is an example tool provider. It serves a small
// restaurant catalog over newline-framed JSON-RPC on stdio, the wire
// protocol the conductor gateway speaks.
//
// Register it in conductor.toml:
//
//	[[providers]]
//	name = "restaurant-guide"
//	description = "Finds restaurants by cuisine and dietary needs, with hours and reservations."
//	command = "restaurant-guide"
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/nevindra/conductor/mcp"
)

type restaurant struct {
	Name    string   `json:"name"`
	Cuisine string   `json:"cuisine"`
	Diets   []string `json:"diets"`
	Hours   string   `json:"hours"`
	Rating  float64  `json:"rating"`
}

var catalog = []restaurant{
	{Name: "Verdura", Cuisine: "italian", Diets: []string{"vegetarian", "vegan"}, Hours: "12:00-22:00", Rating: 4.6},
	{Name: "Sakura House", Cuisine: "japanese", Diets: []string{"pescatarian"}, Hours: "17:00-23:00", Rating: 4.4},
	{Name: "The Green Fork", Cuisine: "modern", Diets: []string{"vegetarian", "vegan", "gluten-free"}, Hours: "11:00-21:00", Rating: 4.8},
	{Name: "Asado Grill", Cuisine: "argentinian", Diets: nil, Hours: "18:00-24:00", Rating: 4.2},
	{Name: "Chaat Corner", Cuisine: "indian", Diets: []string{"vegetarian"}, Hours: "10:00-22:00", Rating: 4.5},
}

type searchArgs struct {
	Cuisine string `json:"cuisine"`
	Diet    string `json:"diet"`
}

type reserveArgs struct {
	Name   string `json:"name"`
	People int    `json:"people"`
	Time   string `json:"time"`
}

func main() {
	srv := mcp.NewServer("restaurant-guide", "1.0.0")

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "search_restaurants",
			Description: "Search restaurants by cuisine and/or dietary requirement.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"cuisine": {"type": "string", "description": "cuisine to filter by"},
					"diet": {"type": "string", "description": "dietary requirement, e.g. vegetarian"}
				}
			}`),
		},
		Execute: searchRestaurants,
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "reserve_table",
			Description: "Reserve a table at a restaurant by name.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"people": {"type": "integer"},
					"time": {"type": "string", "description": "e.g. 19:30"}
				},
				"required": ["name", "people", "time"]
			}`),
		},
		Execute: reserveTable,
	})

	if err := srv.Serve(context.Background()); err != nil {
		log.Fatalf("restaurant-guide: %v", err)
	}
}

func searchRestaurants(_ context.Context, args json.RawMessage) mcp.ToolCallResult {
	var a searchArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return mcp.ErrorResult(fmt.Sprintf("bad arguments: %v", err))
		}
	}
	var hits []restaurant
	for _, r := range catalog {
		if a.Cuisine != "" && !strings.EqualFold(r.Cuisine, a.Cuisine) {
			continue
		}
		if a.Diet != "" && !hasDiet(r, a.Diet) {
			continue
		}
		hits = append(hits, r)
	}
	if len(hits) == 0 {
		return mcp.TextResult("No restaurants match.")
	}
	var sb strings.Builder
	for _, r := range hits {
		fmt.Fprintf(&sb, "%s (%s, %.1f stars, open %s)", r.Name, r.Cuisine, r.Rating, r.Hours)
		if len(r.Diets) > 0 {
			fmt.Fprintf(&sb, " suits: %s", strings.Join(r.Diets, ", "))
		}
		sb.WriteString("\n")
	}
	return mcp.TextResult(sb.String())
}

func reserveTable(_ context.Context, args json.RawMessage) mcp.ToolCallResult {
	var a reserveArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return mcp.ErrorResult(fmt.Sprintf("bad arguments: %v", err))
	}
	for _, r := range catalog {
		if strings.EqualFold(r.Name, a.Name) {
			return mcp.TextResult(fmt.Sprintf(
				"Reserved a table for %d at %s, %s.", a.People, r.Name, a.Time))
		}
	}
	return mcp.ErrorResult(fmt.Sprintf("unknown restaurant %q", a.Name))
}

func hasDiet(r restaurant, diet string) bool {
	for _, d := range r.Diets {
		if strings.EqualFold(d, diet) {
			return true
		}
	}
	return false
}
