// Package e2e tests cross-package integration chains through the HTTP API.
//
// These tests verify that the packages compose correctly when wired
// together the way cmd/ecglab wires them — session, ingest pipeline,
// renderer and exporter behind one router.
package e2e

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/ecglab/annot"
	"github.com/hazyhaar/ecglab/ingest"
	"github.com/hazyhaar/ecglab/server"
	"github.com/hazyhaar/ecglab/session"

	_ "modernc.org/sqlite"
)

// --- test helpers ---

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	sess, err := session.Open(session.Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sess.Close() })

	pipeline := ingest.New(ingest.Config{WFDB: &ingest.NaiveWFDB{}})
	ts := httptest.NewServer(server.New(nil, sess, pipeline, nil).Routes())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(ts.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == 200 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func get(t *testing.T, ts *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == 200 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func upload(t *testing.T, ts *httptest.Server, name string, data []byte) (*http.Response, []byte) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()

	resp, err := http.Post(ts.URL+"/api/upload", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func TestE2E_AnnotationWorkflow(t *testing.T) {
	// WHAT: generate → click → confirm → render shows the marker →
	// detector adds candidates → export carries everything.
	ts := startServer(t)

	code := post(t, ts, "/api/signal/generate", map[string]any{
		"duration": 10.0, "sample_rate": 500.0, "heart_rate": 75.0, "noise": 0.05, "leads": 3,
	}, nil)
	if code != 200 {
		t.Fatalf("generate: %d", code)
	}

	var click struct {
		Pending struct {
			SampleIndex int `json:"sampleIndex"`
		} `json:"pending"`
	}
	if code := post(t, ts, "/api/click", map[string]any{"lead": 0, "time": 2.0}, &click); code != 200 {
		t.Fatalf("click: %d", code)
	}
	if click.Pending.SampleIndex != 1000 {
		t.Fatalf("click landed on sample %d, want 1000", click.Pending.SampleIndex)
	}

	var confirmed annot.Annotation
	if code := post(t, ts, "/api/confirm", map[string]any{"category": "R-Peak"}, &confirmed); code != 200 {
		t.Fatalf("confirm: %d", code)
	}

	// The rendered lead shows the marker.
	resp, err := http.Get(ts.URL + "/api/render?lead=0")
	if err != nil {
		t.Fatal(err)
	}
	svg, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(svg), "R-Peak") {
		t.Fatal("confirmed annotation missing from render")
	}

	var candidates []annot.Annotation
	if code := post(t, ts, "/api/detect", map[string]any{"lead": 0}, &candidates); code != 200 {
		t.Fatalf("detect: %d", code)
	}
	if len(candidates) != 13 {
		t.Fatalf("candidates = %d, want 13", len(candidates))
	}

	var doc struct {
		Metadata struct {
			Annotations int    `json:"annotation_count"`
			Checksum    string `json:"checksum"`
			Source      string `json:"source"`
		} `json:"metadata"`
		Annotations []annot.Annotation `json:"annotations"`
	}
	if code := get(t, ts, "/api/export", &doc); code != 200 {
		t.Fatalf("export: %d", code)
	}
	if doc.Metadata.Annotations != 14 || len(doc.Annotations) != 14 {
		t.Fatalf("export count = %d, want 14", doc.Metadata.Annotations)
	}
	if doc.Metadata.Source != "simulated-ecg" || doc.Metadata.Checksum == "" {
		t.Fatalf("metadata = %+v", doc.Metadata)
	}
}

func TestE2E_UploadedRecordAnnotation(t *testing.T) {
	// WHAT: WFDB upload → buffer swap → old annotations stale → new
	// annotations land on the uploaded record.
	ts := startServer(t)

	post(t, ts, "/api/signal/generate", nil, nil)
	post(t, ts, "/api/click", map[string]any{"lead": 0, "time": 1.0}, nil)
	if code := post(t, ts, "/api/confirm", map[string]any{"category": "R-Peak"}, nil); code != 200 {
		t.Fatalf("confirm on generated: %d", code)
	}

	// 360 frames of 2 interleaved int16 channels = 1 s at 360 Hz.
	data := make([]byte, 0, 1440)
	for f := 0; f < 360; f++ {
		data = binary.LittleEndian.AppendUint16(data, uint16(f%200))
		data = binary.LittleEndian.AppendUint16(data, 0)
	}
	resp, raw := upload(t, ts, "100.dat", data)
	if resp.StatusCode != 200 {
		t.Fatalf("upload: %d %s", resp.StatusCode, raw)
	}

	var anns []annot.Annotation
	get(t, ts, "/api/annotations", &anns)
	if len(anns) != 1 || !anns[0].Stale {
		t.Fatalf("annotations after swap = %+v, want 1 stale", anns)
	}

	if code := post(t, ts, "/api/click", map[string]any{"lead": 1, "time": 0.5}, nil); code != 200 {
		t.Fatalf("click on uploaded record: %d", code)
	}
	var confirmed annot.Annotation
	if code := post(t, ts, "/api/confirm", map[string]any{"category": "Artifact"}, &confirmed); code != 200 {
		t.Fatalf("confirm: %d", code)
	}
	if confirmed.SampleIndex != 180 {
		t.Fatalf("sample = %d, want 180 (0.5 s at 360 Hz)", confirmed.SampleIndex)
	}
}

func TestE2E_ImageScanIngestion(t *testing.T) {
	// WHAT: 12-lead scan PNG → grid extraction → renderable 12-lead buffer.
	ts := startServer(t)

	img := image.NewRGBA(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			img.Set(x, y, color.White)
		}
	}
	for row := 0; row < 4; row++ {
		y := row*32 + 8
		for x := 0; x < 128; x++ {
			img.Set(x, y, color.Black)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}

	resp, raw := upload(t, ts, "scan.png", buf.Bytes())
	if resp.StatusCode != 200 {
		t.Fatalf("upload: %d %s", resp.StatusCode, raw)
	}

	var st session.Status
	get(t, ts, "/api/session", &st)
	if st.LeadCount != 12 || st.Source != "scan.png" {
		t.Fatalf("status = %+v", st)
	}

	r, err := http.Get(ts.URL + "/api/render?lead=5")
	if err != nil {
		t.Fatal(err)
	}
	svg, _ := io.ReadAll(r.Body)
	r.Body.Close()
	if r.StatusCode != 200 || !strings.Contains(string(svg), "<polyline") {
		t.Fatalf("render of extracted lead: %d", r.StatusCode)
	}
}

func TestE2E_StateMachineAcrossRequests(t *testing.T) {
	// WHAT: pending state survives between requests and is visible in
	// the session snapshot; cancel returns to idle.
	ts := startServer(t)
	post(t, ts, "/api/signal/generate", nil, nil)

	post(t, ts, "/api/click", map[string]any{"lead": 2, "time": 4.5}, nil)

	var st session.Status
	get(t, ts, "/api/session", &st)
	if st.State != "pending" || st.Pending == nil || st.Pending.Lead != 2 {
		t.Fatalf("status = %+v", st)
	}

	if code := post(t, ts, "/api/cancel", nil, nil); code != 200 {
		t.Fatalf("cancel: %d", code)
	}
	st = session.Status{}
	get(t, ts, "/api/session", &st)
	if st.State != "idle" || st.Pending != nil {
		t.Fatalf("status after cancel = %+v", st)
	}
}
