package propagation

import (
	"net/http"
	"strings"
)

// Carrier reads and writes header values on an outgoing or incoming message.
type Carrier interface {
	Get(key string) string
	Values(key string) []string
	Set(key, value string)
}

// HeaderCarrier adapts http.Header.
type HeaderCarrier http.Header

// Get returns the first value for key.
func (c HeaderCarrier) Get(key string) string {
	return http.Header(c).Get(key)
}

// Values returns every value for key.
func (c HeaderCarrier) Values(key string) []string {
	return http.Header(c).Values(key)
}

// Set replaces the values for key.
func (c HeaderCarrier) Set(key, value string) {
	http.Header(c).Set(key, value)
}

// MapCarrier is a carrier over a plain map, for messaging headers and tests.
// Keys are matched case-insensitively.
type MapCarrier map[string]string

// Get returns the value for key.
func (c MapCarrier) Get(key string) string {
	if v, ok := c[key]; ok {
		return v
	}
	for k, v := range c {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Values returns the value for key as a one-element slice.
func (c MapCarrier) Values(key string) []string {
	if v := c.Get(key); v != "" {
		return []string{v}
	}
	return nil
}

// Set stores value under key.
func (c MapCarrier) Set(key, value string) {
	c[key] = value
}
