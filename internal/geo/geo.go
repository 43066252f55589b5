package geo

import (
	"math"
	"sort"

	"github.com/example/ambulance-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

// Candidate is a unit together with its straight-line distance to a target.
type Candidate struct {
	Unit       models.Unit
	DistanceKm float64
}

// DistanceKm is the great-circle distance between a and b in kilometers,
// rounded to 2 decimals.
func DistanceKm(a, b models.Coord) float64 {
	return Round2(HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon))
}

// HaversineKm is the unrounded great-circle distance in kilometers.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return earthRadiusKm * 2 * math.Asin(math.Sqrt(math.Min(1, a)))
}

func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Nearest returns up to n units ordered by ascending distance to origin.
// Units at equal distance keep their input order.
func Nearest(origin models.Coord, units []models.Unit, n int) []Candidate {
	if n <= 0 || len(units) == 0 {
		return nil
	}
	arr := make([]Candidate, 0, len(units))
	for _, u := range units {
		arr = append(arr, Candidate{Unit: u, DistanceKm: DistanceKm(origin, u.Vehicle.Loc)})
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].DistanceKm < arr[j].DistanceKm })
	if n < len(arr) {
		arr = arr[:n]
	}
	return arr
}
