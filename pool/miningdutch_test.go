package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSlugCandidates(t *testing.T) {
	tests := []struct {
		coin string
		want []string
	}{
		{"BTC", []string{"sha256", "bitcoin", "scrypt"}},
		{"LTC", []string{"scrypt", "litecoin", "sha256"}},
		{"DOGE", []string{"scrypt", "dogecoin", "sha256"}},
		{"XYZ", []string{"sha256", "scrypt"}},
	}
	for _, tt := range tests {
		got := slugCandidates(tt.coin)
		if len(got) != len(tt.want) {
			t.Errorf("%s: slugs = %v, want %v", tt.coin, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%s: slugs = %v, want %v", tt.coin, got, tt.want)
				break
			}
		}
	}
}

func TestMiningDutchSlugFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The sha256 page knows nothing of this account; the bitcoin
		// mirror answers.
		if strings.Contains(r.URL.Path, "sha256") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"getuserworkers":{"data":{"miners":[
			{"worker":"user.rig01","hashrate":"123.5","alive":"1"}
		]}}}`))
	}))
	defer srv.Close()

	m := NewMiningDutch(NewHTTPClient(2 * time.Second))
	m.base = srv.URL

	res := m.ListWorkers(context.Background(), "user", "BTC", Credentials{APIKey: "k"})
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Workers) != 1 {
		t.Fatalf("workers = %d, want 1", len(res.Workers))
	}
	obs := res.Workers[0]
	if obs.Name != "user.rig01" || obs.Hashrate != 123.5 || obs.Alive != 1 {
		t.Errorf("observation = %+v", obs)
	}
}

func TestParseMiningDutchShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{
			"nested getuserworkers miners array",
			`{"getuserworkers":{"data":{"miners":[{"worker":"a.r1","hashrate":10}]}}}`,
			1,
		},
		{
			"nested getuserworkers workers array",
			`{"getuserworkers":{"data":{"workers":[{"name":"a.r1","hashrate":10},{"username":"a.r2","hashrate":0}]}}}`,
			2,
		},
		{
			"data workers map",
			`{"data":{"workers":{"a.r1":{"hashrate":5},"a.r2":{"hashrate":"7"}}}}`,
			2,
		},
		{
			"top level workers array",
			`{"workers":[{"worker":"a.r1","hashrate":1}]}`,
			1,
		},
		{
			"data as bare collection",
			`{"data":[{"worker":"a.r1","hashrate":1}]}`,
			1,
		},
		{
			"map of plain hashrates",
			`{"workers":{"a.r1":42,"a.r2":"17.5"}}`,
			2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workers, ok := parseMiningDutch([]byte(tt.body))
			if !ok {
				t.Fatal("parse failed")
			}
			if len(workers) != tt.want {
				t.Errorf("workers = %d, want %d: %+v", len(workers), tt.want, workers)
			}
		})
	}
}

func TestParseMiningDutchRejectsJunk(t *testing.T) {
	for _, body := range []string{`[]`, `"error"`, `{"error":"bad key"}`, `not json`} {
		if _, ok := parseMiningDutch([]byte(body)); ok {
			t.Errorf("parse accepted %q", body)
		}
	}
}

func TestParseDutchWorkerNumericStrings(t *testing.T) {
	workers, ok := parseMiningDutch([]byte(`{"workers":[{"worker":"a.r1","hashrate":"250.5","alive":"1","status":"ativo"}]}`))
	if !ok || len(workers) != 1 {
		t.Fatalf("parse = %v %d", ok, len(workers))
	}
	obs := workers[0]
	if obs.Hashrate != 250.5 || obs.Alive != 1 || obs.Status != "ativo" {
		t.Errorf("observation = %+v", obs)
	}
	if !obs.Online(time.Now()) {
		t.Error("observation offline")
	}
}
