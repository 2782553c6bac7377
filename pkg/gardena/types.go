package gardena

import (
	"encoding/json"
	"strconv"
)

// The smart system API speaks JSON:API. Only the slices of it the bridge
// needs are modelled here.

// tokenResponse is the OAuth2 client-credentials exchange response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// resourceRef is a bare JSON:API resource identifier.
type resourceRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// locationsResponse is the body of GET /v1/locations.
type locationsResponse struct {
	Data []resourceRef `json:"data"`
}

// locationResponse is the body of GET /v1/locations/{id}. The included set
// carries every device and service under the location.
type locationResponse struct {
	Data     resourceRef  `json:"data"`
	Included []StreamItem `json:"included"`
}

// websocketRequest is the body of POST /v1/websocket.
type websocketRequest struct {
	Data struct {
		Type       string `json:"type"`
		ID         string `json:"id"`
		Attributes struct {
			LocationID string `json:"locationId"`
		} `json:"attributes"`
	} `json:"data"`
}

// websocketResponse carries the one-shot streaming URL.
type websocketResponse struct {
	Data struct {
		Attributes struct {
			URL string `json:"url"`
		} `json:"attributes"`
	} `json:"data"`
}

// commandRequest is the body of PUT /v1/command/{serviceID}.
type commandRequest struct {
	Data struct {
		Type       string `json:"type"`
		ID         string `json:"id"`
		Attributes struct {
			Command string `json:"command"`
			Seconds int    `json:"seconds"`
		} `json:"attributes"`
	} `json:"data"`
}

// Item types seen on the stream and in location listings.
const (
	ItemTypeLocation = "LOCATION"
	ItemTypeDevice   = "DEVICE"
	ItemTypeCommon   = "COMMON"
	ItemTypeMower    = "MOWER"
)

// Attribute is one reported attribute, wrapped in the cloud's value envelope.
type Attribute struct {
	Value     json.RawMessage `json:"value"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// relationships carries the links the bridge cares about: a service's owning
// device, and a device's service list.
type relationships struct {
	Device struct {
		Data resourceRef `json:"data"`
	} `json:"device"`
	Services struct {
		Data []resourceRef `json:"data"`
	} `json:"services"`
}

// StreamItem is a single frame from the websocket, and equally one entry of a
// location's included set: a DEVICE, COMMON service, MOWER service or
// LOCATION resource.
type StreamItem struct {
	ID            string               `json:"id"`
	Type          string               `json:"type"`
	Relationships *relationships       `json:"relationships,omitempty"`
	Attributes    map[string]Attribute `json:"attributes,omitempty"`
}

// DeviceID resolves the owning device of a service item, falling back to the
// item's own id for DEVICE items.
func (it *StreamItem) DeviceID() string {
	if it.Type == ItemTypeDevice {
		return it.ID
	}
	if it.Relationships != nil && it.Relationships.Device.Data.ID != "" {
		return it.Relationships.Device.Data.ID
	}
	return ""
}

// ServiceIDs returns the ids of the item's services of the given type.
func (it *StreamItem) ServiceIDs(serviceType string) []string {
	if it.Relationships == nil {
		return nil
	}
	var ids []string
	for _, ref := range it.Relationships.Services.Data {
		if ref.Type == serviceType {
			ids = append(ids, ref.ID)
		}
	}
	return ids
}

// StringAttribute returns the named attribute as a string. Numeric values are
// rendered in decimal, matching how the bridge publishes them.
func (it *StreamItem) StringAttribute(name string) (string, bool) {
	attr, ok := it.Attributes[name]
	if !ok || len(attr.Value) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(attr.Value, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(attr.Value, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// IntAttribute returns the named attribute as an integer.
func (it *StreamItem) IntAttribute(name string) (int, bool) {
	s, ok := it.StringAttribute(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
