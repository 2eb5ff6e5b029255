package edgefn

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/edgeforge/cdn-orchestrator/internal/models"
)

func origin(bucket, region string) models.Origin {
	return models.Origin{ID: bucket, Name: bucket, BucketName: bucket, Region: region}
}

func TestRoutingTableResolvesSlots(t *testing.T) {
	preset, err := LookupPreset(PresetAsiaUS)
	if err != nil {
		t.Fatalf("lookup preset: %v", err)
	}
	def := origin("us-bucket", "us-east-1")
	asia := origin("asia-bucket", "ap-northeast-1")

	table, err := RoutingTable(preset, def, []models.Origin{asia})
	if err != nil {
		t.Fatalf("routing table: %v", err)
	}
	if got := table["ap-northeast-1"]; got != asia.DomainName() {
		t.Fatalf("ap-northeast-1 -> %s, want %s", got, asia.DomainName())
	}
	if got := table["us-east-1"]; got != def.DomainName() {
		t.Fatalf("us-east-1 -> %s, want %s", got, def.DomainName())
	}
}

func TestRoutingTableUnfilledSlotsFallBackToDefault(t *testing.T) {
	preset, err := LookupPreset(PresetGlobalThree)
	if err != nil {
		t.Fatalf("lookup preset: %v", err)
	}
	def := origin("default-bucket", "us-east-1")
	asia := origin("asia-bucket", "ap-northeast-1")
	americas := origin("americas-bucket", "us-west-2")

	table, err := RoutingTable(preset, def, []models.Origin{asia, americas})
	if err != nil {
		t.Fatalf("routing table: %v", err)
	}
	// origin3 has no corresponding additional origin, so every European
	// region resolves to the default bucket.
	for _, region := range []string{"eu-west-1", "eu-central-1", "af-south-1"} {
		if got := table[region]; got != def.DomainName() {
			t.Fatalf("%s -> %s, want default %s", region, got, def.DomainName())
		}
	}
	if got := table["us-west-2"]; got != americas.DomainName() {
		t.Fatalf("us-west-2 -> %s, want %s", got, americas.DomainName())
	}
}

func TestRoutingTableInsufficientOrigins(t *testing.T) {
	preset, _ := LookupPreset(PresetAsiaUS)
	_, err := RoutingTable(preset, origin("only", "us-east-1"), nil)
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestGenerateUnknownPreset(t *testing.T) {
	_, err := Generate("nonexistent", origin("b", "us-east-1"), nil)
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestGenerateFallsBackToDefaultBucket(t *testing.T) {
	def := origin("fallback-bucket", "us-east-1")
	asia := origin("asia-bucket", "ap-northeast-1")
	generated, err := Generate(PresetAsiaUS, def, []models.Origin{asia})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	// Regions absent from the mapping and any runtime fault must route to
	// the default bucket.
	if !strings.Contains(generated.Code, def.DomainName()) {
		t.Fatalf("generated code does not reference the default bucket endpoint")
	}
	if !strings.Contains(generated.Code, "catch") {
		t.Fatalf("generated handler has no fallback path")
	}
	if generated.Mapping["ap-northeast-1"] != asia.DomainName() {
		t.Fatalf("mapping did not resolve the asia slot")
	}
}

func TestPackageProducesSingleEntryArchive(t *testing.T) {
	artifact, err := Package("exports.handler = async () => {};")
	if err != nil {
		t.Fatalf("package: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(artifact), int64(len(artifact)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "index.js" {
		t.Fatalf("expected a single index.js entry, got %v", zr.File)
	}
	rc, err := zr.File[0].Open()
	if err != nil {
		t.Fatalf("open entry: %v", err)
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read entry: %v", err)
	}
	if !strings.Contains(string(content), "exports.handler") {
		t.Fatalf("archive entry does not contain the source")
	}
}
