package httpdest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
)

// wsdlKey identifies one cached WSDL definition. A definition is reused
// while every part of the key is unchanged.
type wsdlKey struct {
	URL      string
	Username string
	Password string
	Service  string
	Port     string
}

// WSDLDefinition is a fetched WSDL document with its resolved endpoint
// address.
type WSDLDefinition struct {
	Document string
	Endpoint string
}

// WSDLCache caches WSDL definitions per destination.
type WSDLCache struct {
	client *http.Client

	mu    sync.Mutex
	cache map[wsdlKey]*WSDLDefinition
}

// NewWSDLCache creates an empty cache using the given client (nil for the
// default).
func NewWSDLCache(client *http.Client) *WSDLCache {
	if client == nil {
		client = http.DefaultClient
	}
	return &WSDLCache{
		client: client,
		cache:  make(map[wsdlKey]*WSDLDefinition),
	}
}

var soapAddressPattern = regexp.MustCompile(`<(?:\w+:)?address[^>]*location="([^"]+)"`)

// Get returns the cached definition for the key, fetching it on first use.
func (c *WSDLCache) Get(ctx context.Context, wsdlURL, username, password, service, port string) (*WSDLDefinition, error) {
	key := wsdlKey{URL: wsdlURL, Username: username, Password: password, Service: service, Port: port}

	c.mu.Lock()
	def, ok := c.cache[key]
	c.mu.Unlock()
	if ok {
		return def, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wsdlURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build wsdl request: %w", err)
	}
	if username != "" {
		req.SetBasicAuth(username, password)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch wsdl: remote returned %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	def = &WSDLDefinition{Document: string(data)}
	if m := soapAddressPattern.FindStringSubmatch(def.Document); m != nil {
		def.Endpoint = m[1]
	}

	c.mu.Lock()
	c.cache[key] = def
	c.mu.Unlock()
	return def, nil
}

// Invalidate drops the cached definition for the key.
func (c *WSDLCache) Invalidate(wsdlURL, username, password, service, port string) {
	key := wsdlKey{URL: wsdlURL, Username: username, Password: password, Service: service, Port: port}
	c.mu.Lock()
	delete(c.cache, key)
	c.mu.Unlock()
}
