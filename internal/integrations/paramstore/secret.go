package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Secret resolves one parameter on first use and keeps the value for the
// lifetime of the process. Failed lookups are not cached, so a transient SSM
// error is retried on the next call.
type Secret struct {
	getter Getter
	name   string
	field  string

	mu    sync.Mutex
	value string
	ok    bool
}

type SecretOption func(*Secret)

// WithJSONField treats the stored value as a JSON object and extracts the
// named string field, e.g. {"token":"sk-..."}.
func WithJSONField(field string) SecretOption {
	return func(s *Secret) {
		s.field = strings.TrimSpace(field)
	}
}

func NewSecret(getter Getter, name string, opts ...SecretOption) (*Secret, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("paramstore: secret name must not be empty")
	}
	s := &Secret{getter: getter, name: name}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name is the parameter path.
func (s *Secret) Name() string { return s.name }

func (s *Secret) Value(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ok {
		return s.value, nil
	}

	raw, err := s.getter.GetParameter(ctx, s.name)
	if err != nil {
		return "", err
	}
	v, err := s.extract(raw)
	if err != nil {
		return "", err
	}
	s.value, s.ok = v, true
	return v, nil
}

func (s *Secret) extract(raw string) (string, error) {
	if s.field == "" {
		v := strings.TrimSpace(raw)
		if v == "" {
			return "", fmt.Errorf("paramstore: %s is empty", s.name)
		}
		return v, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal %s as JSON: %w", s.name, err)
	}
	v, _ := obj[s.field].(string)
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("paramstore: %s field %q is empty", s.name, s.field)
	}
	return v, nil
}
