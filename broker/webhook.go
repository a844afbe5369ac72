package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"

	"github.com/lnkday/orchestrator/saga"
)

const DefaultHttpTries = 7 // ~2min total of trying with exponential backoff (0 and 1 both mean 1 try total)

func MakePesterClient() *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = DefaultHttpTries
	client.LogHook = func(e pester.ErrEntry) {
		log.Errorf("Retrying after failed attempt: %+v", e)
	}
	return client
}

// Client lets tests swap out the retrying HTTP client.
type Client interface {
	Do(req *http.Request) (resp *http.Response, err error)
}

/*
 * httpPublisher emits saga lifecycle events through the RabbitMQ
 * management API instead of an AMQP connection, for environments where
 * only the broker's HTTP port is reachable. Requests ride a retrying
 * pester client. Like every Publisher it is fire and forget, failures
 * are logged and the event is dropped.
 */
type httpPublisher struct {
	endpoint string
	vhost    string
	source   string
	username string
	password string
	client   Client
}

func MakeHTTPPublisher(endpoint, vhost, source, username, password string) (saga.Publisher, error) {
	return MakeCustomHTTPPublisher(endpoint, vhost, source, username, password, MakePesterClient())
}

func MakeCustomHTTPPublisher(endpoint, vhost, source, username, password string, client Client) (saga.Publisher, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("management API endpoint is required")
	}
	if vhost == "" {
		vhost = "/"
	}

	p := &httpPublisher{
		endpoint: strings.TrimRight(endpoint, "/"),
		vhost:    vhost,
		source:   source,
		username: username,
		password: password,
		client:   client,
	}
	if err := p.ensureExchange(); err != nil {
		return nil, err
	}
	log.Infof("Making new HTTP publisher against %s", p.endpoint)
	return p, nil
}

func (p *httpPublisher) ensureExchange() error {
	declareURL := fmt.Sprintf("%s/api/exchanges/%s/%s",
		p.endpoint, url.PathEscape(p.vhost), url.PathEscape(SagaEventsExchange))
	body := []byte(`{"type":"topic","durable":true,"auto_delete":false,"internal":false,"arguments":{}}`)

	req, err := http.NewRequest(http.MethodPut, declareURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create exchange declare request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.username != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("declare exchange request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("declare exchange failed with status %d", resp.StatusCode)
	}
	return nil
}

type managementPublishRequest struct {
	Properties      map[string]interface{} `json:"properties"`
	RoutingKey      string                 `json:"routing_key"`
	Payload         string                 `json:"payload"`
	PayloadEncoding string                 `json:"payload_encoding"`
}

type managementPublishResponse struct {
	Routed bool `json:"routed"`
}

func (p *httpPublisher) Publish(event saga.Event) {
	if err := p.publish(event); err != nil {
		log.Errorf("Could not publish %v: %v", event, err)
	}
}

func (p *httpPublisher) publish(event saga.Event) error {
	env, err := MakeEnvelope(string(event.Type), p.source, event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	request := managementPublishRequest{
		Properties: map[string]interface{}{
			"delivery_mode": 2,
			"message_id":    env.ID,
			"content_type":  "application/json",
		},
		RoutingKey:      string(event.Type),
		Payload:         string(body),
		PayloadEncoding: "string",
	}
	requestBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal publish request: %w", err)
	}

	publishURL := fmt.Sprintf("%s/api/exchanges/%s/%s/publish",
		p.endpoint, url.PathEscape(p.vhost), url.PathEscape(SagaEventsExchange))
	req, err := http.NewRequest(http.MethodPost, publishURL, bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("create publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.username != "" {
		req.SetBasicAuth(p.username, p.password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("management API returned status %d", resp.StatusCode)
	}

	var parsed managementPublishResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode publish response: %w", err)
	}
	if !parsed.Routed {
		return fmt.Errorf("no queue routed %s", event.Type)
	}
	return nil
}
