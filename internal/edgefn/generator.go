package edgefn

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/edgeforge/cdn-orchestrator/internal/models"
)

// Generated is the output of the routing code generator: the function source,
// plus the resolved region mapping it was rendered from so callers can reason
// about routing behavior without parsing JavaScript.
type Generated struct {
	Code    string
	Preset  string
	Mapping map[string]string
}

// RoutingTable resolves a preset's origin slots against concrete origins,
// returning the region to bucket-endpoint mapping the generated function will
// embed. Slots with no corresponding additional origin fall back to the
// default origin, and regions absent from the table are handled by the
// generated code's default fallback.
func RoutingTable(preset Preset, defaultOrigin models.Origin, additional []models.Origin) (map[string]string, error) {
	if len(additional)+1 < preset.RequiredOrigins {
		return nil, &ConfigurationError{msg: fmt.Sprintf(
			"preset %s requires %d origins, but only %d provided",
			preset.Name, preset.RequiredOrigins, len(additional)+1)}
	}
	table := make(map[string]string, len(preset.Mapping))
	for region, slot := range preset.Mapping {
		idx := slotIndex(slot)
		if idx >= 1 && idx <= len(additional) {
			table[region] = additional[idx-1].DomainName()
		} else {
			table[region] = defaultOrigin.DomainName()
		}
	}
	return table, nil
}

func slotIndex(slot string) int {
	var n int
	if _, err := fmt.Sscanf(slot, "origin%d", &n); err != nil {
		return 0
	}
	return n
}

// Generate renders the routing function source for the given preset and
// origins. Output is deterministic for identical inputs except for the
// generation timestamp comment, which has no effect on routing behavior.
//
// The generated handler resolves the executing region against the embedded
// mapping and rewrites the request's origin fields; any lookup or runtime
// fault falls back to the default origin, because an unhandled error at the
// edge fails the whole request.
func Generate(presetName string, defaultOrigin models.Origin, additional []models.Origin) (Generated, error) {
	preset, err := LookupPreset(presetName)
	if err != nil {
		return Generated{}, err
	}
	table, err := RoutingTable(preset, defaultOrigin, additional)
	if err != nil {
		return Generated{}, err
	}

	var decls []string
	decls = append(decls, fmt.Sprintf("const defaultBucket = '%s';", defaultOrigin.DomainName()))
	for i, o := range additional {
		decls = append(decls, fmt.Sprintf("const origin%dBucket = '%s';", i+1, o.DomainName()))
	}

	mappingJSON, err := marshalMapping(table)
	if err != nil {
		return Generated{}, fmt.Errorf("marshal region mapping: %w", err)
	}

	code := fmt.Sprintf(`// Generated edge routing function for multi-origin distribution
// Preset: %s (%s)
// Generated at: %s

%s

const regionsMapping = %s;

exports.handler = async (event) => {
    const request = event.Records[0].cf.request;
    const region = process.env.AWS_REGION;

    try {
        console.log('Execution region:', region);
        console.log('Request URI:', request.uri);

        const domainName = regionsMapping[region] || defaultBucket;
        console.log('Selected origin:', domainName);

        setRequestOrigin(request, domainName);
    } catch (error) {
        console.error('Error processing request:', error.message || error);
        // Fallback to default origin on error
        setRequestOrigin(request, defaultBucket);
    }

    return request;
};

const setRequestOrigin = (request, domainName) => {
    request.origin.s3.authMethod = 'origin-access-identity';
    request.origin.s3.domainName = domainName;
    request.origin.s3.region = domainName.split('.')[2];
    request.headers['host'] = [{ key: 'host', value: domainName }];
};
`,
		presetName, preset.Name,
		time.Now().UTC().Format(time.RFC3339),
		strings.Join(decls, "\n"),
		mappingJSON,
	)

	return Generated{Code: code, Preset: presetName, Mapping: table}, nil
}

// marshalMapping renders the mapping with sorted keys so the generated
// source is stable across runs.
func marshalMapping(table map[string]string) (string, error) {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("{\n")
	for i, k := range keys {
		v, err := json.Marshal(table[k])
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "  %q: %s", k, v)
		if i < len(keys)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("}")
	return b.String(), nil
}

// Package wraps the generated source into the zip deployment artifact the
// function platform requires, with the source at index.js.
func Package(code string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("index.js")
	if err != nil {
		return nil, fmt.Errorf("create zip entry: %w", err)
	}
	if _, err := f.Write([]byte(code)); err != nil {
		return nil, fmt.Errorf("write zip entry: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	return buf.Bytes(), nil
}
