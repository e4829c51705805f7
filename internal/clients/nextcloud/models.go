package nextcloud

// AppointmentConfig is one entry of the Calendar app's appointment list
type AppointmentConfig struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	Length            *int   `json:"length"`
	Token             string `json:"token"`
	TargetCalendarURI string `json:"targetCalendarUri"`
	Visibility        string `json:"visibility"`
}

// ocsResponse is the OCS v2 envelope
type ocsResponse struct {
	OCS struct {
		Data []AppointmentConfig `json:"data"`
	} `json:"ocs"`
}
