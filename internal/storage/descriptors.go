package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kalambet/conversa/internal/descriptor"
)

const descriptorColumns = `id, name, description, category, endpoint, method, intent_keywords, parameters,
	response_mapping, response_template, auth_config, requests_per_min, error_messages,
	is_system, is_active, created_at, updated_at`

// descriptorRow holds the JSON-encoded columns of a descriptor.
type descriptorRow struct {
	keywords, params, mapping, auth, errs string
}

func encodeDescriptor(d descriptor.Descriptor) (descriptorRow, error) {
	var r descriptorRow
	for _, f := range []struct {
		dst *string
		v   any
	}{
		{&r.keywords, nonNilSlice(d.IntentKeywords)},
		{&r.params, d.Parameters},
		{&r.mapping, nonNilMap(d.ResponseMapping)},
		{&r.auth, d.Auth},
		{&r.errs, nonNilMap(d.ErrorMessages)},
	} {
		b, err := json.Marshal(f.v)
		if err != nil {
			return descriptorRow{}, fmt.Errorf("encoding descriptor %s: %w", d.ID, err)
		}
		*f.dst = string(b)
	}
	return r, nil
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// SaveDescriptor inserts a new descriptor. The auth key must already be
// vault ciphertext.
func (s *Store) SaveDescriptor(d descriptor.Descriptor) error {
	r, err := encodeDescriptor(d)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO api_descriptors (`+descriptorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Description, d.Category, d.Endpoint, d.Method, r.keywords, r.params,
		r.mapping, d.ResponseTemplate, r.auth, d.RateLimit.RequestsPerMinute, r.errs,
		d.IsSystem, d.IsActive, formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving descriptor %s: %w", d.ID, err)
	}
	return nil
}

// UpdateDescriptor replaces every mutable column of an existing descriptor.
func (s *Store) UpdateDescriptor(d descriptor.Descriptor) error {
	r, err := encodeDescriptor(d)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE api_descriptors SET
		name = ?, description = ?, category = ?, endpoint = ?, method = ?, intent_keywords = ?,
		parameters = ?, response_mapping = ?, response_template = ?, auth_config = ?,
		requests_per_min = ?, error_messages = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		d.Name, d.Description, d.Category, d.Endpoint, d.Method, r.keywords,
		r.params, r.mapping, d.ResponseTemplate, r.auth,
		d.RateLimit.RequestsPerMinute, r.errs, d.IsActive, formatTime(d.UpdatedAt),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating descriptor %s: %w", d.ID, err)
	}
	return expectOneRow(res)
}

func (s *Store) DeleteDescriptor(id string) error {
	res, err := s.db.Exec(`DELETE FROM api_descriptors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting descriptor %s: %w", id, err)
	}
	return expectOneRow(res)
}

func (s *Store) GetDescriptor(id string) (descriptor.Descriptor, error) {
	row := s.db.QueryRow(`SELECT `+descriptorColumns+` FROM api_descriptors WHERE id = ?`, id)
	d, err := scanDescriptor(row)
	if err == sql.ErrNoRows {
		return descriptor.Descriptor{}, ErrNotFound
	}
	return d, err
}

// ListDescriptors returns every stored descriptor, system entries first.
func (s *Store) ListDescriptors() ([]descriptor.Descriptor, error) {
	rows, err := s.db.Query(`SELECT ` + descriptorColumns + ` FROM api_descriptors
		ORDER BY is_system DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []descriptor.Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(sc rowScanner) (descriptor.Descriptor, error) {
	var (
		d                    descriptor.Descriptor
		r                    descriptorRow
		createdAt, updatedAt string
	)
	err := sc.Scan(&d.ID, &d.Name, &d.Description, &d.Category, &d.Endpoint, &d.Method,
		&r.keywords, &r.params, &r.mapping, &d.ResponseTemplate, &r.auth,
		&d.RateLimit.RequestsPerMinute, &r.errs, &d.IsSystem, &d.IsActive, &createdAt, &updatedAt)
	if err != nil {
		return descriptor.Descriptor{}, err
	}
	for _, f := range []struct {
		name string
		src  string
		dst  any
	}{
		{"intent_keywords", r.keywords, &d.IntentKeywords},
		{"parameters", r.params, &d.Parameters},
		{"response_mapping", r.mapping, &d.ResponseMapping},
		{"auth_config", r.auth, &d.Auth},
		{"error_messages", r.errs, &d.ErrorMessages},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return descriptor.Descriptor{}, fmt.Errorf("decoding %s of descriptor %s: %w", f.name, d.ID, err)
		}
	}
	if len(d.ResponseMapping) == 0 {
		d.ResponseMapping = nil
	}
	if len(d.ErrorMessages) == 0 {
		d.ErrorMessages = nil
	}
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return descriptor.Descriptor{}, err
	}
	if d.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return descriptor.Descriptor{}, err
	}
	return d, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
