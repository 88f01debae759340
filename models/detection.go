package models

// PersonClass is the detection label tracked as a customer.
const PersonClass = "person"

// Detection is a single scored, classed bounding box produced by the
// detection engine for one frame. It is not retained beyond one tracking pass.
type Detection struct {
	Class string      `json:"class"`
	Score float64     `json:"score"`
	Box   BoundingBox `json:"bbox"`
}
