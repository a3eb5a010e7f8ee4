package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meshled/meshpanel/internal/deviceapi"
	"github.com/meshled/meshpanel/internal/discovery"
	"github.com/meshled/meshpanel/internal/modelfeed"
	"github.com/meshled/meshpanel/internal/store"
)

func newSession(t *testing.T, st store.Store, pageHost string) *Session {
	t.Helper()
	client, err := deviceapi.NewClient(deviceapi.Config{Store: st, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	s, err := New(Config{Store: st, Client: client, PageHost: pageHost})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func mustGet(t *testing.T, st store.Store, key string) (string, bool) {
	t.Helper()
	v, ok, err := st.Get(key)
	if err != nil {
		t.Fatalf("Get(%q) error = %v", key, err)
	}
	return v, ok
}

func TestNew_Empty(t *testing.T) {
	s := newSession(t, store.NewMemory(), "localhost:8080")

	if got := s.Devices(); len(got) != 0 {
		t.Errorf("Devices() = %v, want empty", got)
	}
	if s.Selected() != "" {
		t.Errorf("Selected() = %q, want empty", s.Selected())
	}
	if s.DirectMode() {
		t.Error("DirectMode() = true for localhost page")
	}
}

func TestLoad_RestoresSelection(t *testing.T) {
	st := store.NewMemory()
	_ = st.Set(store.KeyDevices, `[" 10.0.0.2 ","10.0.0.3","10.0.0.2",""]`)
	_ = st.Set(store.KeySelected, "10.0.0.3")

	s := newSession(t, st, "")

	if got, want := s.Devices(), []string{"10.0.0.2", "10.0.0.3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Devices() = %v, want %v", got, want)
	}
	if s.Selected() != "10.0.0.3" {
		t.Errorf("Selected() = %q, want 10.0.0.3", s.Selected())
	}
	if s.client.ActiveDevice() != "10.0.0.3" {
		t.Errorf("client active = %q, want 10.0.0.3", s.client.ActiveDevice())
	}
}

func TestLoad_StaleSelectionFallsBackToFirst(t *testing.T) {
	st := store.NewMemory()
	_ = st.Set(store.KeyDevices, `["10.0.0.2","10.0.0.3"]`)
	_ = st.Set(store.KeySelected, "10.0.0.9")

	s := newSession(t, st, "")
	if s.Selected() != "10.0.0.2" {
		t.Errorf("Selected() = %q, want 10.0.0.2", s.Selected())
	}
}

func TestLoad_CorruptListDiscarded(t *testing.T) {
	st := store.NewMemory()
	_ = st.Set(store.KeyDevices, `{not json`)
	_ = st.Set(store.KeySelected, "10.0.0.2")

	s := newSession(t, st, "")

	if len(s.Devices()) != 0 || s.Selected() != "" {
		t.Errorf("state = %v/%q, want empty", s.Devices(), s.Selected())
	}
	if _, ok := mustGet(t, st, store.KeyDevices); ok {
		t.Error("corrupt device list not removed")
	}
	if _, ok := mustGet(t, st, store.KeySelected); ok {
		t.Error("selection not removed with corrupt list")
	}
}

func TestDirectMode(t *testing.T) {
	st := store.NewMemory()
	_ = st.Set(store.KeyDevices, `["10.0.0.2"]`)

	s := newSession(t, st, "192.168.1.40:8080")

	if !s.DirectMode() {
		t.Fatal("DirectMode() = false for IP page host")
	}
	if got, want := s.Devices(), []string{"192.168.1.40:8080"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Devices() = %v, want %v", got, want)
	}
	if s.Selected() != "192.168.1.40:8080" {
		t.Errorf("Selected() = %q", s.Selected())
	}
	if err := s.SetDevices([]string{"10.0.0.9"}); !errors.Is(err, ErrDirectMode) {
		t.Errorf("SetDevices() error = %v, want ErrDirectMode", err)
	}
	if err := s.Select("10.0.0.2"); !errors.Is(err, ErrDirectMode) {
		t.Errorf("Select() error = %v, want ErrDirectMode", err)
	}
	if v, _ := mustGet(t, st, store.KeyDevices); v != `["10.0.0.2"]` {
		t.Errorf("stored list changed in direct mode: %q", v)
	}
	if _, ok := mustGet(t, st, store.KeySelected); ok {
		t.Error("selection persisted in direct mode")
	}
}

func TestSetDevices(t *testing.T) {
	st := store.NewMemory()
	s := newSession(t, st, "")

	if err := s.SetDevices([]string{"http://10.0.0.5/", "10.0.0.6", "10.0.0.5"}); err != nil {
		t.Fatalf("SetDevices() error = %v", err)
	}
	if got, want := s.Devices(), []string{"10.0.0.5", "10.0.0.6"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Devices() = %v, want %v", got, want)
	}
	if s.Selected() != "10.0.0.5" {
		t.Errorf("Selected() = %q, want first device", s.Selected())
	}
	if v, _ := mustGet(t, st, store.KeyDevices); v != `["10.0.0.5","10.0.0.6"]` {
		t.Errorf("stored list = %q", v)
	}
	if v, _ := mustGet(t, st, store.KeySelected); v != "10.0.0.5" {
		t.Errorf("stored selection = %q", v)
	}

	if err := s.Select("10.0.0.6"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	// Dropping the selected device moves the selection to the first one.
	if err := s.SetDevices([]string{"10.0.0.5"}); err != nil {
		t.Fatalf("SetDevices() error = %v", err)
	}
	if s.Selected() != "10.0.0.5" {
		t.Errorf("Selected() = %q, want 10.0.0.5", s.Selected())
	}

	if err := s.SetDevices(nil); err != nil {
		t.Fatalf("SetDevices(nil) error = %v", err)
	}
	if s.Selected() != "" {
		t.Errorf("Selected() = %q, want empty", s.Selected())
	}
	if _, ok := mustGet(t, st, store.KeyDevices); ok {
		t.Error("empty list should remove the stored key")
	}
	if _, ok := mustGet(t, st, store.KeySelected); ok {
		t.Error("empty selection should remove the stored key")
	}
}

func TestAddRemoveSelect(t *testing.T) {
	s := newSession(t, store.NewMemory(), "")

	if err := s.AddDevice("  "); err == nil {
		t.Error("AddDevice(blank) error = nil")
	}
	_ = s.AddDevice("10.0.0.2")
	_ = s.AddDevice("10.0.0.3")

	if err := s.Select("10.0.0.9"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Select(unknown) error = %v, want ErrUnknownDevice", err)
	}
	if err := s.Select("10.0.0.3"); err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if s.client.ActiveDevice() != "10.0.0.3" {
		t.Errorf("client active = %q", s.client.ActiveDevice())
	}
	if err := s.RemoveDevice("10.0.0.3"); err != nil {
		t.Fatalf("RemoveDevice() error = %v", err)
	}
	if s.Selected() != "10.0.0.2" {
		t.Errorf("Selected() = %q, want 10.0.0.2", s.Selected())
	}
	if err := s.RemoveDevice("10.0.0.3"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("RemoveDevice(missing) error = %v", err)
	}
}

func TestSelectionResetsAuthState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	s := newSession(t, store.NewMemory(), "")
	_ = s.SetDevices([]string{host, "10.0.0.2"})

	_, _ = s.client.GetJSON(context.Background(), "/get_model")
	if !s.AuthState().AuthRequired {
		t.Fatal("AuthRequired = false after 401")
	}
	_ = s.Select("10.0.0.2")
	if st := s.AuthState(); st.AuthRequired || st.LastAuthError != "" {
		t.Errorf("AuthState() = %+v after switching device", st)
	}
}

func TestTokenPersistence(t *testing.T) {
	st := store.NewMemory()
	s := newSession(t, st, "")

	if err := s.SetToken("  secret "); err != nil {
		t.Fatalf("SetToken() error = %v", err)
	}
	if v, _ := mustGet(t, st, store.KeyToken); v != "secret" {
		t.Errorf("stored token = %q", v)
	}
	if !s.AuthState().HasToken {
		t.Error("HasToken = false")
	}
	if err := s.ClearToken(); err != nil {
		t.Fatalf("ClearToken() error = %v", err)
	}
	if _, ok := mustGet(t, st, store.KeyToken); ok {
		t.Error("token not removed")
	}
}

func TestModel(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Path != "/get_model" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"pixelCount":120,"schemaVersion":2,"intersections":[{"id":1,"group":1,"numPorts":2,"topPixel":0}]}`)
	}))
	defer srv.Close()

	s := newSession(t, store.NewMemory(), "")
	if _, err := s.Model(context.Background()); err == nil {
		t.Error("Model() without a device error = nil")
	}

	_ = s.AddDevice(strings.TrimPrefix(srv.URL, "http://"))
	m, err := s.Model(context.Background())
	if err != nil {
		t.Fatalf("Model() error = %v", err)
	}
	if m.PixelCount != 120 || len(m.Intersections) != 1 || m.SchemaVersion != 2 {
		t.Errorf("Model() = %+v", m)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestFetchModelConcurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, `{"pixelCount":30}`)
	}))
	defer srv.Close()

	s := newSession(t, store.NewMemory(), "")
	_ = s.AddDevice(strings.TrimPrefix(srv.URL, "http://"))

	errs := make([]error, 3)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := s.FetchModel(context.Background())
			if err == nil && m.PixelCount != 30 {
				err = fmt.Errorf("PixelCount = %d", m.PixelCount)
			}
			errs[i] = err
		}(i)
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("FetchModel() #%d error = %v", i, err)
		}
	}
}

func TestModelSupersedesOlderLoad(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(200 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		fmt.Fprint(w, `{"pixelCount":30}`)
	}))
	defer srv.Close()

	s := newSession(t, store.NewMemory(), "")
	_ = s.AddDevice(strings.TrimPrefix(srv.URL, "http://"))

	first := make(chan error, 1)
	go func() {
		_, err := s.Model(context.Background())
		first <- err
	}()
	time.Sleep(30 * time.Millisecond)
	if _, err := s.Model(context.Background()); err != nil {
		t.Fatalf("second Model() error = %v", err)
	}
	if err := <-first; !errors.Is(err, modelfeed.ErrSuperseded) {
		t.Errorf("first Model() error = %v, want ErrSuperseded", err)
	}
}

func TestApplyDiscovery(t *testing.T) {
	s := newSession(t, store.NewMemory(), "")
	_ = s.AddDevice("10.0.0.2")

	if err := s.ApplyDiscovery(&discovery.Result{Hosts: []string{"10.0.0.9"}}); err != nil {
		t.Fatalf("ApplyDiscovery(empty) error = %v", err)
	}
	if got := s.Devices(); len(got) != 1 || got[0] != "10.0.0.2" {
		t.Errorf("run with no devices changed the list: %v", got)
	}

	res := &discovery.Result{
		Hosts:   []string{"10.0.0.2", "10.0.0.5"},
		Devices: []discovery.Device{{Host: "10.0.0.5"}},
	}
	if err := s.ApplyDiscovery(res); err != nil {
		t.Fatalf("ApplyDiscovery() error = %v", err)
	}
	if got, want := s.Devices(), []string{"10.0.0.2", "10.0.0.5"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Devices() = %v, want %v", got, want)
	}
	if s.Selected() != "10.0.0.2" {
		t.Errorf("Selected() = %q, want unchanged", s.Selected())
	}

	direct := newSession(t, store.NewMemory(), "192.168.1.40")
	if err := direct.ApplyDiscovery(res); err != nil {
		t.Errorf("ApplyDiscovery() in direct mode error = %v", err)
	}
	if got := direct.Devices(); len(got) != 1 || got[0] != "192.168.1.40" {
		t.Errorf("direct Devices() = %v", got)
	}
}
