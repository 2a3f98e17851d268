// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package model

import "time"

// Session statuses.
const (
	SessionPending  = "pending"
	SessionCreated  = "created"
	SessionRunning  = "running"
	SessionFailed   = "failed"
	SessionFinished = "finished"
)

// Acquisition holds the microscope parameters of a session. Unknown values
// stay nil.
type Acquisition struct {
	Voltage      *float64 `json:"voltage"`
	Cs           *float64 `json:"cs"`
	PhasePlate   bool     `json:"phasePlate"`
	Detector     *string  `json:"detector"`
	DetectorMode *string  `json:"detectorMode"`
	PixelSize    *float64 `json:"pixelSize"`
	DosePerFrame *float64 `json:"dosePerFrame"`
	TotalDose    *float64 `json:"totalDose"`
	ExposureTime *float64 `json:"exposureTime"`
	NumOfFrames  *int     `json:"numOfFrames"`
}

// Stats are the processing counters reported for a session.
type Stats struct {
	NumOfMovies int `json:"numOfMovies"`
	NumOfMics   int `json:"numOfMics"`
	NumOfCtfs   int `json:"numOfCtfs"`
	NumOfPtcls  int `json:"numOfPtcls"`
	NumOfCls2D  int `json:"numOfCls2D"`
	PtclSizeMin int `json:"ptclSizeMin"`
	PtclSizeMax int `json:"ptclSizeMax"`
}

// Session is a microscope data collection run linked to a booking. The
// image processing results live in the data file named by DataPath.
type Session struct {
	ID          int         `json:"id"`
	Name        string      `json:"name"`
	Start       time.Time   `json:"start"`
	End         *time.Time  `json:"end"`
	Status      string      `json:"status"`
	DataPath    string      `json:"data_path"`
	BookingID   int         `json:"booking_id"`
	ResourceID  int         `json:"resource_id"`
	OperatorID  int         `json:"operator_id"`
	Acquisition Acquisition `json:"acquisition"`
	Stats       Stats       `json:"stats"`
	Extra       Extra       `json:"extra"`
}
