package claim

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"dropgate/internal/contract"
	"dropgate/internal/storage"
)

// ContractMetadata is the document behind contractURI(). Keys this service
// does not model are kept in Extra and written back untouched.
type ContractMetadata struct {
	Name         string
	Description  string
	Image        string
	ExternalLink string
	Merkle       map[string]string
	Extra        map[string]json.RawMessage
}

var knownMetadataKeys = []string{"name", "description", "image", "external_link", "merkle"}

func (m *ContractMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	fields := map[string]*string{
		"name":          &m.Name,
		"description":   &m.Description,
		"image":         &m.Image,
		"external_link": &m.ExternalLink,
	}
	for key, dst := range fields {
		if v, ok := raw[key]; ok && string(v) != "null" {
			if err := json.Unmarshal(v, dst); err != nil {
				return fmt.Errorf("metadata %s: %w", key, err)
			}
		}
	}
	m.Merkle = map[string]string{}
	if v, ok := raw["merkle"]; ok && string(v) != "null" {
		var merkle map[string]string
		if err := json.Unmarshal(v, &merkle); err != nil {
			return fmt.Errorf("metadata merkle: %w", err)
		}
		for root, uri := range merkle {
			m.Merkle[strings.ToLower(root)] = uri
		}
	}
	for _, key := range knownMetadataKeys {
		delete(raw, key)
	}
	m.Extra = raw
	return nil
}

func (m ContractMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+5)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Name != "" {
		out["name"] = m.Name
	}
	if m.Description != "" {
		out["description"] = m.Description
	}
	if m.Image != "" {
		out["image"] = m.Image
	}
	if m.ExternalLink != "" {
		out["external_link"] = m.ExternalLink
	}
	merkle := m.Merkle
	if merkle == nil {
		merkle = map[string]string{}
	}
	out["merkle"] = merkle
	return json.Marshal(out)
}

// WithMerkle returns a copy of m carrying merkle.
func (m ContractMetadata) WithMerkle(merkle map[string]string) ContractMetadata {
	m.Merkle = maps.Clone(merkle)
	m.Extra = maps.Clone(m.Extra)
	return m
}

// LoadMetadata reads contractURI() and fetches the document. An unset URI is
// empty metadata.
func LoadMetadata(ctx context.Context, dc contract.DropContract, st storage.Storage) (ContractMetadata, string, error) {
	uri, err := dc.ContractURI(ctx)
	if err != nil {
		return ContractMetadata{}, "", fmt.Errorf("read contract uri: %w", err)
	}
	if strings.TrimSpace(uri) == "" {
		return ContractMetadata{Merkle: map[string]string{}}, "", nil
	}
	var meta ContractMetadata
	if err := storage.FetchJSON(ctx, st, uri, &meta); err != nil {
		return ContractMetadata{}, uri, fmt.Errorf("load contract metadata: %w", err)
	}
	return meta, uri, nil
}

// MergeMerkle overlays existing onto fresh so roots already published for
// other tokens keep their URI. Neither input is modified. changed reports
// whether the result differs from existing.
func MergeMerkle(existing, fresh map[string]string) (merged map[string]string, changed bool) {
	merged = make(map[string]string, len(existing)+len(fresh))
	for root, uri := range fresh {
		merged[strings.ToLower(root)] = uri
	}
	for root, uri := range existing {
		merged[strings.ToLower(root)] = uri
	}
	return merged, !maps.Equal(merged, existing)
}

func rootKey(root common.Hash) string {
	return strings.ToLower(root.Hex())
}

func lookupRoot(merkleMap map[string]string, root common.Hash) (string, bool) {
	uri, ok := merkleMap[rootKey(root)]
	return uri, ok && uri != ""
}
