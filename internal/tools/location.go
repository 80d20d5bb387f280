package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/linnemanlabs/guardian/internal/investigation"
	"github.com/linnemanlabs/guardian/internal/telemetry"
)

const (
	// DefaultKnownPlaceRadiusM is the default distance within which a subject
	// counts as at a known place.
	DefaultKnownPlaceRadiusM = 200

	maxNearbyPlaces = 5
	earthRadiusM    = 6_371_000

	NameSemanticLocation = "get_semantic_location"
)

// PlaceSource lists a subject's known places.
type PlaceSource interface {
	KnownPlaces(ctx context.Context, subjectID string) ([]telemetry.KnownPlace, error)
}

// Location resolves coordinates against a subject's known places.
type Location struct {
	places  PlaceSource
	radiusM int
}

// NewLocation creates a Location backed by places. A subject within radiusM
// meters of a known place is at that place; radiusM <= 0 uses
// DefaultKnownPlaceRadiusM.
func NewLocation(places PlaceSource, radiusM int) *Location {
	if radiusM <= 0 {
		radiusM = DefaultKnownPlaceRadiusM
	}
	return &Location{places: places, radiusM: radiusM}
}

func (l *Location) Name() string { return NameSemanticLocation }

// Execute decodes a locationRequest and returns the resolved LocationContext.
func (l *Location) Execute(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in locationRequest
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if in.SubjectID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidParams)
	}
	out, err := l.SemanticLocation(ctx, in.SubjectID, in.Latitude, in.Longitude)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// SemanticLocation names the place the subject is at, or the nearest known
// place and its distance. Up to five nearby places are returned, closest
// first.
func (l *Location) SemanticLocation(ctx context.Context, subjectID string, lat, lng float64) (*investigation.LocationContext, error) {
	places, err := l.places.KnownPlaces(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("known places: %w", err)
	}

	nearby := make([]investigation.NearbyPlace, 0, len(places))
	for _, p := range places {
		name, typ := p.Name, p.PlaceType
		if name == "" {
			name = "unnamed"
		}
		if typ == "" {
			typ = "unknown"
		}
		nearby = append(nearby, investigation.NearbyPlace{
			Name:      name,
			DistanceM: Haversine(lat, lng, p.Latitude, p.Longitude),
			Type:      typ,
		})
	}
	sort.SliceStable(nearby, func(i, j int) bool { return nearby[i].DistanceM < nearby[j].DistanceM })

	out := &investigation.LocationContext{SemanticLocation: investigation.UnknownLocation}
	for _, p := range nearby {
		if p.DistanceM > l.radiusM {
			break
		}
		if out.SemanticLocation == investigation.UnknownLocation {
			out.SemanticLocation = "at " + p.Name
		}
		if p.Type == "home" {
			out.IsAtHome = true
		}
	}
	if out.SemanticLocation == investigation.UnknownLocation && len(nearby) > 0 {
		out.SemanticLocation = fmt.Sprintf("%d m from %s", nearby[0].DistanceM, nearby[0].Name)
	}

	if len(nearby) > maxNearbyPlaces {
		nearby = nearby[:maxNearbyPlaces]
	}
	out.NearbyKnownPlaces = nearby
	return out, nil
}

// Haversine returns the great-circle distance in whole meters.
func Haversine(lat1, lng1, lat2, lng2 float64) int {
	phi1, phi2 := lat1*math.Pi/180, lat2*math.Pi/180
	dphi := (lat2 - lat1) * math.Pi / 180
	dlambda := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dphi/2)*math.Sin(dphi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dlambda/2)*math.Sin(dlambda/2)
	return int(2 * earthRadiusM * math.Asin(math.Sqrt(a)))
}

type locationRequest struct {
	SubjectID string  `json:"user_id"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}
