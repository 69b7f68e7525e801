// Package detection decodes classification frames from the remote detector.
package detection

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/thebtf/postura/pkg/models"
)

// ErrMalformedFrame is returned for frames that are not valid detector output.
var ErrMalformedFrame = errors.New("malformed detection frame")

// Result is the posture part of a detector frame. Frame timestamps are not
// carried; the recorder stamps each event on arrival.
type Result struct {
	Status  models.PostureStatus
	Details *models.PostureDetails
}

type frame struct {
	Status  *string                `json:"status"`
	Details *models.PostureDetails `json:"details"`
}

// Decode parses a detector frame. ok is false for frames that only carry
// bounding-box or pose data without a posture classification.
func Decode(data []byte) (res Result, ok bool, err error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Result{}, false, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Status == nil {
		return Result{}, false, nil
	}

	status, err := models.ParsePostureStatus(*f.Status)
	if err != nil {
		return Result{}, false, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	details := f.Details
	if details != nil && details.Issue == "" && details.Type == "" {
		details = nil
	}

	return Result{Status: status, Details: details}, true, nil
}
