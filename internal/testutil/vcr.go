// Package testutil provides recorded-HTTP fixtures for client tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// FixtureClient returns an HTTP client that replays the named cassette
// from testdata/fixtures. Run with OATEL_VCR_MODE=record against a live
// endpoint to re-record. A request matches an interaction when method,
// URL, and decoded JSON body all agree, so payload drift fails the test
// instead of replaying a stale response.
func FixtureClient(t *testing.T, name string) *http.Client {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("OATEL_VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	r, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", name), mode, nil)
	if err != nil {
		t.Fatalf("failed to open cassette %s: %v", name, err)
	}
	r.SetMatcher(matchJSONRequest)
	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("failed to stop recorder: %v", err)
		}
	})

	return &http.Client{Transport: r}
}

// matchJSONRequest compares JSON bodies structurally, so recorded
// fixtures stay valid across key-order changes in the encoder.
func matchJSONRequest(req *http.Request, i cassette.Request) bool {
	if req.Method != i.Method || req.URL.String() != i.URL {
		return false
	}
	if req.Body == nil {
		return i.Body == ""
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return false
	}
	req.Body = io.NopCloser(bytes.NewReader(body))

	var got, want any
	if err := json.Unmarshal(body, &got); err != nil {
		return string(body) == i.Body
	}
	if err := json.Unmarshal([]byte(i.Body), &want); err != nil {
		return false
	}
	return reflect.DeepEqual(got, want)
}
