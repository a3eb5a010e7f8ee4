package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshled/meshpanel/internal/deviceapi"
	"github.com/meshled/meshpanel/internal/discovery"
	"github.com/meshled/meshpanel/internal/hostaddr"
	"github.com/meshled/meshpanel/internal/linker"
	"github.com/meshled/meshpanel/internal/metrics"
	"github.com/meshled/meshpanel/internal/remote"
	"github.com/meshled/meshpanel/internal/session"
	"github.com/meshled/meshpanel/internal/store"
)

const crossDeviceModel = `{"schemaVersion":2,"pixelCount":60,
	"capabilities":{"crossDevice":{"enabled":true,"ready":true,"transport":"espnow"}},
	"intersections":[{"id":3,"group":2,"numPorts":2,"topPixel":10,
		"ports":[{"id":7,"type":"internal","group":2}]}]}`

// fakeDevice is a device API double that records mutation posts.
type fakeDevice struct {
	mu     sync.Mutex
	model  string
	info   string
	status int
	delay  time.Duration
	posts  map[string]string
	srv    *httptest.Server
}

func newFakeDevice(t *testing.T, model, info string) *fakeDevice {
	t.Helper()
	d := &fakeDevice{model: model, info: info, status: http.StatusOK, posts: map[string]string{}}
	d.srv = httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDevice) host() string {
	return strings.TrimPrefix(d.srv.URL, "http://")
}

func (d *fakeDevice) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/get_model" && d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case r.Method == http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		d.posts[r.URL.Path] = string(body)
		w.WriteHeader(d.status)
		if d.status != http.StatusOK {
			fmt.Fprint(w, `{"error":"slot occupied"}`)
			return
		}
		fmt.Fprint(w, `{"success":true}`)
	case r.URL.Path == "/get_model":
		fmt.Fprint(w, d.model)
	case r.URL.Path == "/device_info" && d.info != "":
		fmt.Fprint(w, d.info)
	case r.URL.Path == "/get_devices":
		fmt.Fprint(w, `[]`)
	default:
		http.NotFound(w, r)
	}
}

func (d *fakeDevice) posted(path string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	body, ok := d.posts[path]
	return body, ok
}

func newTestServer(t *testing.T, hosts ...string) (*Server, *session.Session) {
	t.Helper()
	st := store.NewMemory()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	client, err := deviceapi.NewClient(deviceapi.Config{Store: st, Timeout: time.Second, Metrics: m})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	sess, err := session.New(session.Config{Store: st, Client: client, Metrics: m})
	if err != nil {
		t.Fatalf("session.New() error = %v", err)
	}
	if len(hosts) > 0 {
		if err := sess.SetDevices(hosts); err != nil {
			t.Fatalf("SetDevices() error = %v", err)
		}
	}

	s := NewServer(DefaultServerConfig(), Deps{
		Session:    sess,
		Engine:     discovery.NewEngine(discovery.Config{Fetcher: client, Metrics: m}),
		Aggregator: remote.NewAggregator(remote.Config{Fetcher: client, Metrics: m}),
		Linker:     linker.New(client, nil, m),
		Gatherer:   reg,
	})
	return s, sess
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

func TestServer_handleHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if rec.Body.String() != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", rec.Body.String())
	}
}

func TestServer_handleHealth_MethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/health", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestServer_handleReady(t *testing.T) {
	s, sess := newTestServer(t)

	if rec := do(t, s, http.MethodGet, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d with no device, got %d", http.StatusServiceUnavailable, rec.Code)
	}
	_ = sess.AddDevice("10.0.0.2")
	if rec := do(t, s, http.MethodGet, "/ready", ""); rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestServer_handleHealthz(t *testing.T) {
	s, _ := newTestServer(t, "10.0.0.2", "10.0.0.3")

	rec := do(t, s, http.MethodGet, "/healthz", "")
	resp := decodeBody(t, rec)
	if resp["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", resp["status"])
	}
	if int(resp["devices"].(float64)) != 2 {
		t.Errorf("expected devices 2, got %v", resp["devices"])
	}
	if resp["selected"] != "10.0.0.2" {
		t.Errorf("expected selected 10.0.0.2, got %v", resp["selected"])
	}
}

func TestServer_Metrics(t *testing.T) {
	s, _ := newTestServer(t, "10.0.0.2")

	rec := do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "meshpanel_known_hosts") {
		t.Error("metrics output missing meshpanel_known_hosts")
	}
}

func TestServer_Devices(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodPut, "/api/devices", `{"devices":["10.0.0.5"," 10.0.0.6 ","10.0.0.5"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT /api/devices status = %d: %s", rec.Code, rec.Body)
	}
	var got devicesResponse
	_ = json.NewDecoder(rec.Body).Decode(&got)
	if len(got.Devices) != 2 || got.Selected != "10.0.0.5" {
		t.Errorf("devices = %+v", got)
	}

	rec = do(t, s, http.MethodPost, "/api/devices/select", `{"host":"10.0.0.6"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("select status = %d", rec.Code)
	}
	rec = do(t, s, http.MethodGet, "/api/devices", "")
	_ = json.NewDecoder(rec.Body).Decode(&got)
	if got.Selected != "10.0.0.6" {
		t.Errorf("selected = %q, want 10.0.0.6", got.Selected)
	}

	if rec := do(t, s, http.MethodPost, "/api/devices/select", `{"host":"10.9.9.9"}`); rec.Code != http.StatusNotFound {
		t.Errorf("select unknown status = %d, want 404", rec.Code)
	}
	if rec := do(t, s, http.MethodPut, "/api/devices", `{not json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}
}

func TestServer_ModelWithoutDevice(t *testing.T) {
	s, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/model", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if resp := decodeBody(t, rec); resp["error"] != hostaddr.MsgNoDeviceSelected {
		t.Errorf("error = %v", resp["error"])
	}
}

func TestServer_Model(t *testing.T) {
	dev := newFakeDevice(t, crossDeviceModel, "")
	s, _ := newTestServer(t, dev.host())

	rec := do(t, s, http.MethodGet, "/api/model", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	resp := decodeBody(t, rec)
	if resp["canEditExternalPorts"] != true {
		t.Errorf("canEditExternalPorts = %v", resp["canEditExternalPorts"])
	}
	if resp["schemaVersion"].(float64) != 2 {
		t.Errorf("schemaVersion = %v", resp["schemaVersion"])
	}
}

func TestServer_AddPort(t *testing.T) {
	dev := newFakeDevice(t, crossDeviceModel, "")
	s, _ := newTestServer(t, dev.host())

	rec := do(t, s, http.MethodPost, "/api/ports",
		`{"intersectionId":3,"slotIndex":1,"group":2,"direction":true,"deviceMac":"aabbccddeeff","targetPortId":4}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body, ok := dev.posted(linker.PathAddExternalPort)
	if !ok {
		t.Fatal("add_external_port not posted")
	}
	if !strings.Contains(body, `"deviceMac":"AA:BB:CC:DD:EE:FF"`) || !strings.Contains(body, `"targetPortId":4`) {
		t.Errorf("posted body = %s", body)
	}
	if _, ok := decodeBody(t, rec)["model"]; !ok {
		t.Error("response missing refreshed model")
	}
}

func TestServer_AddPortValidation(t *testing.T) {
	dev := newFakeDevice(t, crossDeviceModel, "")
	s, _ := newTestServer(t, dev.host())

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"unknown intersection", `{"intersectionId":9,"slotIndex":1,"group":2,"deviceMac":"aabbccddeeff","targetPortId":1}`, "intersectionId"},
		{"occupied slot", `{"intersectionId":3,"slotIndex":0,"group":2,"deviceMac":"aabbccddeeff","targetPortId":1}`, "slotIndex"},
		{"slot out of range", `{"intersectionId":3,"slotIndex":2,"group":2,"deviceMac":"aabbccddeeff","targetPortId":1}`, "slotIndex"},
		{"no remote", `{"intersectionId":3,"slotIndex":1,"group":2,"targetPortId":1}`, "remoteHost"},
		{"bad group", `{"intersectionId":3,"slotIndex":1,"group":3,"deviceMac":"aabbccddeeff","targetPortId":1}`, "group"},
		{"bad target", `{"intersectionId":3,"slotIndex":1,"group":2,"deviceMac":"aabbccddeeff","targetPortId":256}`, "targetPortId"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/api/ports", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body)
			}
			if resp := decodeBody(t, rec); resp["field"] != tt.field {
				t.Errorf("field = %v, want %s", resp["field"], tt.field)
			}
		})
	}
	if _, ok := dev.posted(linker.PathAddExternalPort); ok {
		t.Error("invalid request reached the device")
	}
}

func TestServer_AddPortNoRemoteMessage(t *testing.T) {
	dev := newFakeDevice(t, crossDeviceModel, "")
	s, _ := newTestServer(t, dev.host())

	rec := do(t, s, http.MethodPost, "/api/ports", `{"intersectionId":3,"slotIndex":1,"group":2,"targetPortId":1}`)
	if resp := decodeBody(t, rec); resp["error"] != linker.MsgSelectRemote {
		t.Errorf("error = %v, want %q", resp["error"], linker.MsgSelectRemote)
	}
}

func TestServer_AddPortFirstFreeSlot(t *testing.T) {
	dev := newFakeDevice(t, crossDeviceModel, "")
	s, _ := newTestServer(t, dev.host())

	rec := do(t, s, http.MethodPost, "/api/ports",
		`{"intersectionId":3,"slotIndex":-1,"group":2,"deviceMac":"aabbccddeeff","targetPortId":4}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body, _ := dev.posted(linker.PathAddExternalPort)
	if !strings.Contains(body, `"slotIndex":1`) {
		t.Errorf("posted body = %s, want slotIndex 1", body)
	}
}

func TestServer_ConcurrentClientsDoNotSupersede(t *testing.T) {
	dev := newFakeDevice(t, crossDeviceModel, "")
	dev.delay = 100 * time.Millisecond
	s, _ := newTestServer(t, dev.host())

	requests := []struct {
		method string
		path   string
		body   string
	}{
		{http.MethodGet, "/api/model", ""},
		{http.MethodGet, "/api/model", ""},
		{http.MethodPost, "/api/ports", `{"intersectionId":3,"slotIndex":1,"group":2,"deviceMac":"aabbccddeeff","targetPortId":4}`},
	}
	codes := make([]int, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, method, path, body string) {
			defer wg.Done()
			codes[i] = do(t, s, method, path, body).Code
		}(i, req.method, req.path, req.body)
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("request %d (%s %s) status = %d, want 200", i, requests[i].method, requests[i].path, code)
		}
	}
	if _, ok := dev.posted(linker.PathAddExternalPort); !ok {
		t.Error("mutation was not sent to the device")
	}
}

func TestServer_AddPortByRemoteHost(t *testing.T) {
	peer := newFakeDevice(t, crossDeviceModel, `{"name":"Hall","mac":"11:22:33:44:55:66"}`)
	dev := newFakeDevice(t, crossDeviceModel, `{"name":"Desk","mac":"aa:bb:cc:dd:ee:ff"}`)
	s, _ := newTestServer(t, dev.host(), peer.host())

	rec := do(t, s, http.MethodPost, "/api/ports",
		fmt.Sprintf(`{"intersectionId":3,"slotIndex":1,"group":2,"remoteHost":%q,"targetPortId":7}`, peer.host()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body, _ := dev.posted(linker.PathAddExternalPort)
	if !strings.Contains(body, `"deviceMac":"11:22:33:44:55:66"`) {
		t.Errorf("posted body = %s", body)
	}
}

func TestServer_CrossDeviceGate(t *testing.T) {
	dev := newFakeDevice(t, `{"schemaVersion":1,"intersections":[{"id":3,"numPorts":2}]}`, "")
	s, _ := newTestServer(t, dev.host())

	rec := do(t, s, http.MethodPost, "/api/ports",
		`{"intersectionId":3,"group":2,"deviceMac":"aabbccddeeff","targetPortId":1}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if rec := do(t, s, http.MethodDelete, "/api/ports/7", ""); rec.Code != http.StatusConflict {
		t.Errorf("DELETE status = %d, want 409", rec.Code)
	}
	if _, ok := dev.posted(linker.PathRemoveExternalPort); ok {
		t.Error("remove posted despite capability gate")
	}
}

func TestServer_DeviceErrorPropagates(t *testing.T) {
	dev := newFakeDevice(t, crossDeviceModel, "")
	dev.status = http.StatusBadRequest
	s, _ := newTestServer(t, dev.host())

	rec := do(t, s, http.MethodPut, "/api/ports/7",
		`{"group":2,"deviceMac":"aabbccddeeff","targetPortId":1}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502: %s", rec.Code, rec.Body)
	}
	if resp := decodeBody(t, rec); resp["error"] != "slot occupied" {
		t.Errorf("error = %v", resp["error"])
	}
}

func TestServer_Intersections(t *testing.T) {
	dev := newFakeDevice(t, crossDeviceModel, "")
	s, _ := newTestServer(t, dev.host())

	if rec := do(t, s, http.MethodPost, "/api/intersections", `{"numPorts":4,"topPixel":12,"group":1}`); rec.Code != http.StatusOK {
		t.Fatalf("add status = %d: %s", rec.Code, rec.Body)
	}
	if rec := do(t, s, http.MethodDelete, "/api/intersections/2/3", ""); rec.Code != http.StatusOK {
		t.Fatalf("remove status = %d: %s", rec.Code, rec.Body)
	}
	body, _ := dev.posted(linker.PathRemoveIntersection)
	if body != `{"id":3,"group":2}` {
		t.Errorf("remove body = %s", body)
	}
	if rec := do(t, s, http.MethodDelete, "/api/intersections/x/3", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad param status = %d, want 400", rec.Code)
	}
}

func TestServer_Token(t *testing.T) {
	s, _ := newTestServer(t, "10.0.0.2")

	rec := do(t, s, http.MethodPut, "/api/token", `{"token":"abc"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decodeBody(t, rec); resp["hasToken"] != true {
		t.Errorf("hasToken = %v", resp["hasToken"])
	}
	rec = do(t, s, http.MethodDelete, "/api/token", "")
	if resp := decodeBody(t, rec); resp["hasToken"] != false {
		t.Errorf("hasToken after delete = %v", resp["hasToken"])
	}
}

func TestServer_Discover(t *testing.T) {
	dev := newFakeDevice(t, crossDeviceModel, `{"name":"Desk","mac":"aa:bb:cc:dd:ee:ff"}`)
	s, sess := newTestServer(t, dev.host())

	rec := do(t, s, http.MethodPost, "/api/discover", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	resp := decodeBody(t, rec)
	if resp["message"] != "Discovered 1 device(s)." {
		t.Errorf("message = %v", resp["message"])
	}
	if got := sess.Devices(); len(got) != 1 || got[0] != dev.host() {
		t.Errorf("devices = %v", got)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&linker.ValidationError{Message: "x"}, http.StatusBadRequest},
		{&deviceapi.AuthError{Message: "x"}, http.StatusUnauthorized},
		{&hostaddr.ConfigurationError{Message: "x"}, http.StatusConflict},
		{linker.ErrCrossDeviceUnsupported, http.StatusConflict},
		{session.ErrUnknownDevice, http.StatusNotFound},
		{&deviceapi.ProtocolError{Status: 500, Message: "x"}, http.StatusBadGateway},
		{&deviceapi.NetworkError{Host: "h", Path: "/p", Err: errors.New("x")}, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%T) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
