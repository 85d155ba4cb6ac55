//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	domain "github.com/webvault/listings/internal/domain"
	pconfig "github.com/webvault/listings/internal/platform/config"
	pfirestore "github.com/webvault/listings/internal/platform/firestore"
	"github.com/webvault/listings/internal/repositories"
)

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

func TestListingRepositoryIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "listings-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("firestore client: %v", err)
	}

	seed := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	subjects := map[string]map[string]any{
		"categories/design": {
			"title":       "Design",
			"description": "Tools for designers",
			"itemCount":   2,
		},
		"tags/opensource": {
			"title":     "Open Source",
			"itemCount": 1,
		},
	}
	items := map[string]map[string]any{
		"figma": {
			"title":       "Figma",
			"url":         "https://figma.example",
			"description": "Collaborative design tool",
			"category":    "design",
			"tags":        []string{"design", "collaboration"},
			"rating":      4.8,
			"visitCount":  900,
			"featured":    true,
			"createdAt":   seed.Add(48 * time.Hour),
			"updatedAt":   seed.Add(72 * time.Hour),
		},
		"penpot": {
			"title":       "Penpot",
			"url":         "https://penpot.example",
			"description": "Open source design platform",
			"category":    "design",
			"tags":        []string{"design", "opensource"},
			"rating":      4.2,
			"visitCount":  300,
			"createdAt":   seed.Add(12 * time.Hour),
			"updatedAt":   seed.Add(12 * time.Hour),
		},
		"promoted": {
			"title":      "Promoted Tool",
			"url":        "https://promoted.example",
			"category":   "design",
			"tags":       []string{"design"},
			"rating":     2.5,
			"visitCount": 5,
			"sponsored":  true,
			"createdAt":  seed,
			"updatedAt":  seed,
		},
	}
	for path, data := range subjects {
		parts := strings.SplitN(path, "/", 2)
		if _, err := client.Collection(parts[0]).Doc(parts[1]).Set(ctx, data); err != nil {
			t.Fatalf("seed subject %s: %v", path, err)
		}
	}
	for id, data := range items {
		if _, err := client.Collection("items").Doc(id).Set(ctx, data); err != nil {
			t.Fatalf("seed item %s: %v", id, err)
		}
	}

	repo, err := NewListingRepository(provider)
	if err != nil {
		t.Fatalf("new listing repository: %v", err)
	}

	subject, err := repo.ResolveSubject(ctx, domain.PageKindCategory, "design")
	if err != nil {
		t.Fatalf("resolve subject: %v", err)
	}
	if subject.Title != "Design" || subject.ItemCount != 2 {
		t.Fatalf("unexpected subject: %+v", subject)
	}

	page, err := repo.FetchListing(ctx, repositories.ListingQuery{
		Kind:     domain.PageKindCategory,
		Slug:     "design",
		Page:     1,
		PageSize: 10,
	})
	if err != nil {
		t.Fatalf("fetch listing: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("expected 2 items with sponsored hidden, got %d", page.Total)
	}
	if page.Items[0].ID != "figma" {
		t.Fatalf("expected newest first, got %s", page.Items[0].ID)
	}

	page, err = repo.FetchListing(ctx, repositories.ListingQuery{
		Kind:             domain.PageKindCategory,
		Slug:             "design",
		Page:             1,
		PageSize:         10,
		IncludeSponsored: true,
	})
	if err != nil {
		t.Fatalf("fetch listing with sponsored: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("expected 3 items with sponsored shown, got %d", page.Total)
	}

	page, err = repo.FetchListing(ctx, repositories.ListingQuery{
		Kind:     domain.PageKindTag,
		Slug:     "opensource",
		Page:     1,
		PageSize: 10,
	})
	if err != nil {
		t.Fatalf("fetch tag listing: %v", err)
	}
	if page.Total != 1 || page.Items[0].ID != "penpot" {
		t.Fatalf("expected penpot for opensource tag, got %+v", page.Items)
	}

	if _, err := repo.ResolveSubject(ctx, domain.PageKindCategory, "missing"); err == nil {
		t.Fatalf("expected not found error")
	} else {
		var repoErr repositories.RepositoryError
		if !errors.As(err, &repoErr) {
			t.Fatalf("expected repository error, got %v", err)
		}
		if !repoErr.IsNotFound() {
			t.Fatalf("expected not found classification, got %v", err)
		}
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	// Shorten the ID to match docker CLI behaviour for stop/remove commands.
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		lastErr = err
		time.Sleep(250 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout waiting for endpoint")
	}
	t.Fatalf("emulator did not become ready: %v", lastErr)
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}
}
