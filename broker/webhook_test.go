package broker

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnkday/orchestrator/saga"
)

type recordedRequest struct {
	method string
	path   string
	body   []byte
}

// Stands in for the RabbitMQ management API: accepts exchange declares
// and answers publishes with the supplied routed flag.
func startManagementAPI(routed bool) (*httptest.Server, chan recordedRequest) {
	requests := make(chan recordedRequest, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- recordedRequest{method: r.Method, path: r.URL.EscapedPath(), body: body}

		if strings.HasSuffix(r.URL.Path, "/publish") {
			fmt.Fprintf(w, `{"routed":%t}`, routed)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	return server, requests
}

func TestHTTPPublisherDeclaresAndPublishes(t *testing.T) {
	server, requests := startManagementAPI(true)
	defer server.Close()

	publisher, err := MakeCustomHTTPPublisher(server.URL, "/", "saga-orchestrator", "guest", "guest", server.Client())
	require.NoError(t, err)

	declare := <-requests
	assert.Equal(t, http.MethodPut, declare.method)
	assert.Equal(t, "/api/exchanges/%2F/saga.events", declare.path)
	assert.Contains(t, string(declare.body), `"type":"topic"`)

	inst := &saga.SagaInstance{SagaID: "saga-1", SagaType: "register-user", Status: saga.StatusCompleted}
	publisher.Publish(saga.MakeSagaCompletedEvent(inst))

	published := <-requests
	assert.Equal(t, http.MethodPost, published.method)
	assert.Equal(t, "/api/exchanges/%2F/saga.events/publish", published.path)

	var request managementPublishRequest
	require.NoError(t, json.Unmarshal(published.body, &request))
	assert.Equal(t, "saga.completed", request.RoutingKey)
	assert.Equal(t, "string", request.PayloadEncoding)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(request.Payload), &env))
	assert.Equal(t, "saga.completed", env.Type)
	assert.Equal(t, "saga-orchestrator", env.Source)

	var event saga.Event
	require.NoError(t, json.Unmarshal(env.Data, &event))
	assert.Equal(t, "saga-1", event.SagaID)
}

func TestHTTPPublisherReportsUnrouted(t *testing.T) {
	server, requests := startManagementAPI(false)
	defer server.Close()

	publisher, err := MakeCustomHTTPPublisher(server.URL, "/", "saga-orchestrator", "", "", server.Client())
	require.NoError(t, err)
	<-requests // the declare

	inst := &saga.SagaInstance{SagaID: "saga-1", SagaType: "register-user", Status: saga.StatusFailed}
	err = publisher.(*httpPublisher).publish(saga.MakeSagaFailedEvent(inst, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routed")
}

func TestHTTPPublisherDeclareFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := MakeCustomHTTPPublisher(server.URL, "/", "saga-orchestrator", "", "", server.Client())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declare exchange")
}

func TestHTTPPublisherRequiresEndpoint(t *testing.T) {
	_, err := MakeCustomHTTPPublisher("", "/", "saga-orchestrator", "", "", &http.Client{})
	require.Error(t, err)
}
