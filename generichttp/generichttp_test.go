package generichttp_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"

	"github.com/synchlab/labctl/generichttp"
)

type fakeDevice struct {
	exposure float64
	rt       generichttp.RouteTable
}

func newFakeDevice() *fakeDevice {
	fd := &fakeDevice{exposure: 0.1}
	fd.rt = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/exposure-time"}: generichttp.GetFloat(func() (float64, error) {
			return fd.exposure, nil
		}),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/exposure-time"}: generichttp.SetFloat(func(f float64) error {
			fd.exposure = f
			return nil
		}),
	}
	return fd
}

func (fd *fakeDevice) RT() generichttp.RouteTable { return fd.rt }

func TestBindAndRoundTrip(t *testing.T) {
	fd := newFakeDevice()
	r := chi.NewRouter()
	generichttp.Bind(fd, r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/exposure-time", "application/json", strings.NewReader(`{"f64": 0.25}`))
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if fd.exposure != 0.25 {
		t.Errorf("expected setter to run, exposure = %f", fd.exposure)
	}

	resp, err = http.Get(srv.URL + "/exposure-time")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()
	f := generichttp.FloatT{}
	if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if f.F64 != 0.25 {
		t.Errorf("expected 0.25 from getter, got %f", f.F64)
	}
}

func TestRouteList(t *testing.T) {
	fd := newFakeDevice()
	r := chi.NewRouter()
	generichttp.Bind(fd, r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/route-list")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()
	var routes []string
	if err := json.NewDecoder(resp.Body).Decode(&routes); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(routes) != 1 || routes[0] != "/exposure-time" {
		t.Errorf("unexpected route list %v", routes)
	}
}

func TestHumanPayloadTextFormat(t *testing.T) {
	fd := newFakeDevice()
	r := chi.NewRouter()
	generichttp.Bind(fd, r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/exposure-time?fmt=text")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if strings.TrimSpace(buf.String()) != "0.1" {
		t.Errorf("expected text 0.1, got %q", buf.String())
	}
}
