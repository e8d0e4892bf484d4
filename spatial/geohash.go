// Package spatial maps client coordinates to chat room keys and indexes
// places for nearby discovery.
package spatial

import "strings"

// RoomPrecision is the geohash length used for coordinate rooms.
// Precision 6 = ~1.2km x 0.6km cells
// Precision 7 = ~150m x 150m cells
const RoomPrecision = 6

// BusinessPrefix namespaces rooms tied to a business rather than a cell.
const BusinessPrefix = "business:"

// Position is a [longitude, latitude] pair, GeoJSON order.
type Position [2]float64

func (p Position) Lon() float64 { return p[0] }
func (p Position) Lat() float64 { return p[1] }

// Geohash encodes lat/lon into a base32 cell string.
func Geohash(lat, lon float64, precision int) string {
	const base32 = "0123456789bcdefghjkmnpqrstuvwxyz"

	minLat, maxLat := -90.0, 90.0
	minLon, maxLon := -180.0, 180.0

	var hash []byte
	var bit int
	var ch byte
	even := true

	for len(hash) < precision {
		if even {
			mid := (minLon + maxLon) / 2
			if lon >= mid {
				ch |= 1 << (4 - bit)
				minLon = mid
			} else {
				maxLon = mid
			}
		} else {
			mid := (minLat + maxLat) / 2
			if lat >= mid {
				ch |= 1 << (4 - bit)
				minLat = mid
			} else {
				maxLat = mid
			}
		}
		even = !even

		bit++
		if bit == 5 {
			hash = append(hash, base32[ch])
			bit = 0
			ch = 0
		}
	}

	return string(hash)
}

// RoomFromPosition returns the room key for a coordinate.
func RoomFromPosition(p Position) string {
	return Geohash(p.Lat(), p.Lon(), RoomPrecision)
}

// RoomFromBusiness returns the room key for a business id.
func RoomFromBusiness(id string) string {
	return BusinessPrefix + id
}

// BusinessID extracts the business id from a room key, if it is one.
func BusinessID(room string) (string, bool) {
	if strings.HasPrefix(room, BusinessPrefix) {
		return strings.TrimPrefix(room, BusinessPrefix), true
	}
	return "", false
}
