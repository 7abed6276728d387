package models

// MultipleFailedLoginsResult is returned by the multi-failure detector
type MultipleFailedLoginsResult struct {
	IsSuspicious   bool `json:"is_suspicious"`
	FailedAttempts int  `json:"failed_attempts"`
}

// NewLocationResult is returned by the new-location detector
type NewLocationResult struct {
	IsNewLocation  bool   `json:"is_new_location"`
	Address        string `json:"address"`
	Country        string `json:"country,omitempty"`
	KnownAddresses int    `json:"known_addresses"`
}

// BulkExportResult is returned by the bulk export detector
type BulkExportResult struct {
	IsSuspicious bool `json:"is_suspicious"`
	ExportCount  int  `json:"export_count"`
	Threshold    int  `json:"threshold"`
}

// APIActivityResult is returned by the API activity detector
type APIActivityResult struct {
	IsSuspicious      bool    `json:"is_suspicious"`
	IsHighVolume      bool    `json:"is_high_volume"`
	IsHighFailureRate bool    `json:"is_high_failure_rate"`
	RequestCount      int     `json:"request_count"`
	FailureRate       float64 `json:"failure_rate"`
}
