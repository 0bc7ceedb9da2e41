package domain

// ConfigEntry is one row of the config table. Type tells the loader how to
// parse Value: string, number, boolean or json.
type ConfigEntry struct {
	Key    string `json:"key" db:"key"`
	Value  string `json:"value" db:"value"`
	Type   string `json:"type" db:"type"`
	Active bool   `json:"active" db:"active"`
}
