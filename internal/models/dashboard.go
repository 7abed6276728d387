package models

// DashboardData is the read-only security summary for a trailing window
type DashboardData struct {
	WindowHours      int             `json:"window_hours"`
	FailedLogins     int             `json:"failed_logins"`
	SuccessfulLogins int             `json:"successful_logins"`
	SecurityEvents   int             `json:"security_events"`
	FlaggedIPsCount  int             `json:"flagged_ips_count"`
	FlaggedIPs       []FlagEntry     `json:"flagged_ips"`
	TopFailedIPs     []AddressCount  `json:"top_failed_ips"`
	RecentEvents     []SecurityEvent `json:"recent_events"`
	Partial          bool            `json:"partial,omitempty"`
}

// DetectionResult is the outcome of a single suspicious-activity detector
type DetectionResult struct {
	Detector  string `json:"detector"`
	Triggered bool   `json:"triggered"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DetectionReport collects the result of every detector run for one account
type DetectionReport struct {
	Account string            `json:"account"`
	Results []DetectionResult `json:"results"`
}

// RequestStats summarises API traffic for one account over a window
type RequestStats struct {
	Total  int `json:"total"`
	Failed int `json:"failed"`
}
