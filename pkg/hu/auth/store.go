package auth

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// TokenStore persists one TokenSet per provider.
type TokenStore interface {
	// Load reports false when the provider has no stored access token.
	Load(provider string) (*TokenSet, bool, error)
	Save(provider string, token TokenSet) error
	Delete(provider string) error
}

// tokenKeys are the section keys owned by the store. Anything else in a
// provider section (client_id, client_secret, user comments) is left alone.
var tokenKeys = []string{
	"access_token",
	"refresh_token",
	"token_type",
	"id_token",
	"expires_at",
	"tenant_id",
	"tenant_name",
	"tenant_url",
	"user",
}

// FileStore keeps tokens in the YAML credentials file, one top-level section
// per provider. Writes replace the file atomically. There is no locking
// between processes; concurrent logins for different providers in two
// processes can lose one of the updates.
type FileStore struct {
	Path string

	mu sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Load(provider string) (*TokenSet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	section, err := s.section(provider)
	if err != nil || section == nil {
		return nil, false, err
	}
	var token TokenSet
	if err := section.Decode(&token); err != nil {
		return nil, false, fmt.Errorf("failed to parse %s section of %s: %w", provider, s.Path, err)
	}
	if token.AccessToken == "" {
		return nil, false, nil
	}
	return &token, true, nil
}

// ClientCredentials returns client_id and client_secret from the provider
// section, if present.
func (s *FileStore) ClientCredentials(provider string) (clientID, clientSecret string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	section, err := s.section(provider)
	if err != nil || section == nil {
		return "", "", err
	}
	var client struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
	}
	if err := section.Decode(&client); err != nil {
		return "", "", fmt.Errorf("failed to parse %s section of %s: %w", provider, s.Path, err)
	}
	return client.ClientID, client.ClientSecret, nil
}

func (s *FileStore) Save(provider string, token TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return err
	}
	var encoded yaml.Node
	if err := encoded.Encode(token); err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	root := doc.Content[0]
	section := mappingValue(root, provider)
	if section == nil || section.Kind != yaml.MappingNode {
		section = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		setMappingValue(root, provider, section)
	}
	for _, key := range tokenKeys {
		if value := mappingValue(&encoded, key); value != nil {
			setMappingValue(section, key, value)
		} else {
			removeMappingKey(section, key)
		}
	}
	return s.writeDocument(doc)
}

// Delete drops the token fields of provider. The section itself goes away
// only when nothing else is left in it.
func (s *FileStore) Delete(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDocument()
	if err != nil {
		return err
	}
	root := doc.Content[0]
	section := mappingValue(root, provider)
	if section == nil {
		return nil
	}
	if section.Kind == yaml.MappingNode {
		for _, key := range tokenKeys {
			removeMappingKey(section, key)
		}
	}
	if section.Kind != yaml.MappingNode || len(section.Content) == 0 {
		removeMappingKey(root, provider)
	}
	return s.writeDocument(doc)
}

func (s *FileStore) section(provider string) (*yaml.Node, error) {
	doc, err := s.readDocument()
	if err != nil {
		return nil, err
	}
	section := mappingValue(doc.Content[0], provider)
	if section == nil || section.Kind != yaml.MappingNode {
		return nil, nil
	}
	return section, nil
}

func (s *FileStore) readDocument() (*yaml.Node, error) {
	content, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return newDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse credentials file %s: %w", s.Path, err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return newDocument(), nil
	}
	if doc.Kind != yaml.DocumentNode || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("credentials file %s must be a mapping of provider sections", s.Path)
	}
	return &doc, nil
}

func (s *FileStore) writeDocument(doc *yaml.Node) error {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	return writeFileAtomic(s.Path, buf.Bytes())
}

// writeFileAtomic writes to a temp file next to path and renames it over
// path, so readers see either the old or the new content.
func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credentials dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if err := tmp.Chmod(0o600); err != nil {
		cleanup()
		return fmt.Errorf("failed to set credentials file mode: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		cleanup()
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close credentials: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}
	return nil
}

func newDocument() *yaml.Node {
	return &yaml.Node{
		Kind:    yaml.DocumentNode,
		Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}},
	}
}

func mappingValue(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

func setMappingValue(mapping *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = value
			return
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
}

func removeMappingKey(mapping *yaml.Node, key string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content = append(mapping.Content[:i], mapping.Content[i+2:]...)
			return
		}
	}
}
