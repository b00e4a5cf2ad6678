package kube

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"
)

// ErrNoManifests is returned when an apply payload carries nothing to apply
var ErrNoManifests = errors.New("payload contains no manifests")

// Manifest is one entry of an apply payload. Err is set when the entry could
// not be decoded into an object; it is reported as that entry's result.
type Manifest struct {
	Object map[string]any
	Err    error
}

// DecodeManifests extracts the manifests of an apply payload in order. It
// accepts a "manifests" list, a "manifest" object or multi-document YAML
// string, or a payload that is itself a manifest.
func DecodeManifests(payload map[string]any) ([]Manifest, error) {
	if raw, ok := payload["manifests"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("manifests must be a list, got %T", raw)
		}
		out := make([]Manifest, 0, len(list))
		for i, item := range list {
			switch v := item.(type) {
			case map[string]any:
				out = append(out, Manifest{Object: v})
			case string:
				docs, err := decodeYAMLDocuments(v)
				if err != nil {
					out = append(out, Manifest{Err: fmt.Errorf("manifest %d: %w", i, err)})
					continue
				}
				out = append(out, docs...)
			default:
				out = append(out, Manifest{Err: fmt.Errorf("manifest %d: unsupported type %T", i, item)})
			}
		}
		if len(out) == 0 {
			return nil, ErrNoManifests
		}
		return out, nil
	}

	if raw, ok := payload["manifest"]; ok {
		switch v := raw.(type) {
		case map[string]any:
			return []Manifest{{Object: v}}, nil
		case string:
			docs, err := decodeYAMLDocuments(v)
			if err != nil {
				return nil, err
			}
			if len(docs) == 0 {
				return nil, ErrNoManifests
			}
			return docs, nil
		default:
			return nil, fmt.Errorf("manifest must be an object or a string, got %T", raw)
		}
	}

	if _, ok := payload["kind"]; ok {
		return []Manifest{{Object: payload}}, nil
	}

	return nil, ErrNoManifests
}

// decodeYAMLDocuments splits a YAML (or JSON) stream into objects, skipping
// empty documents
func decodeYAMLDocuments(text string) ([]Manifest, error) {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader([]byte(text))))

	var out []Manifest
	for {
		doc, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest document: %w", err)
		}
		if len(bytes.TrimSpace(doc)) == 0 {
			continue
		}

		jsonDoc, err := yaml.YAMLToJSON(doc)
		if err != nil {
			out = append(out, Manifest{Err: fmt.Errorf("failed to parse manifest: %w", err)})
			continue
		}
		if bytes.Equal(bytes.TrimSpace(jsonDoc), []byte("null")) {
			continue
		}

		var obj map[string]any
		if err := yaml.Unmarshal(jsonDoc, &obj); err != nil {
			out = append(out, Manifest{Err: fmt.Errorf("manifest is not an object: %w", err)})
			continue
		}
		out = append(out, Manifest{Object: obj})
	}
	return out, nil
}
