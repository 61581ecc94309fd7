package casedata

import (
	"encoding/json"
	"fmt"
	"io"
)

// recordFunc receives one case record: the case type it reported and its
// property names in document order. Document order matters; collision
// suffixes downstream are assigned by first observation, so the fold over
// records has to be reproducible.
type recordFunc func(caseType string, properties []string)

// parseCaseList streams one case list response body, an envelope of the form
// {"meta": {...}, "objects": [...]}. Each element of objects is walked token
// by token: the keys of its "properties" object are collected in document
// order (and the case_type value captured), everything else is skipped
// without materializing. Returns the number of records seen.
func parseCaseList(r io.Reader, onRecord recordFunc) (int, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return 0, fmt.Errorf("casedata: read envelope start: %w", err)
	}
	if tok != json.Delim('{') {
		return 0, fmt.Errorf("casedata: expected envelope object, got %v", tok)
	}

	count := 0
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return count, fmt.Errorf("casedata: read envelope key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return count, fmt.Errorf("casedata: envelope key not a string (got %T)", keyTok)
		}

		if key != "objects" {
			if err := skipNextValue(dec); err != nil {
				return count, err
			}
			continue
		}

		valTok, err := dec.Token()
		if err != nil {
			return count, fmt.Errorf("casedata: read objects value: %w", err)
		}
		if valTok == nil {
			continue
		}
		if valTok != json.Delim('[') {
			return count, fmt.Errorf("casedata: objects is not an array (got %v)", valTok)
		}

		for dec.More() {
			n, err := parseCaseObject(dec, onRecord)
			if err != nil {
				return count, err
			}
			count += n
		}
		if end, err := dec.Token(); err != nil {
			return count, fmt.Errorf("casedata: read objects end: %w", err)
		} else if end != json.Delim(']') {
			return count, fmt.Errorf("casedata: expected ']' after objects, got %v", end)
		}
	}

	if end, err := dec.Token(); err != nil {
		return count, fmt.Errorf("casedata: read envelope end: %w", err)
	} else if end != json.Delim('}') {
		return count, fmt.Errorf("casedata: expected '}', got %v", end)
	}
	return count, nil
}

// parseCaseObject consumes one element of the objects array. Null elements
// are skipped; non-object elements are an error. Returns 1 when a record was
// emitted.
func parseCaseObject(dec *json.Decoder, onRecord recordFunc) (int, error) {
	tok, err := dec.Token()
	if err != nil {
		return 0, fmt.Errorf("casedata: read case element: %w", err)
	}
	if tok == nil {
		return 0, nil
	}
	if tok != json.Delim('{') {
		return 0, fmt.Errorf("casedata: case element not an object (got %v)", tok)
	}

	caseType := ""
	var props []string
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return 0, fmt.Errorf("casedata: read case key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return 0, fmt.Errorf("casedata: case key not a string (got %T)", keyTok)
		}

		if key != "properties" {
			if err := skipNextValue(dec); err != nil {
				return 0, err
			}
			continue
		}

		valTok, err := dec.Token()
		if err != nil {
			return 0, fmt.Errorf("casedata: read properties value: %w", err)
		}
		if valTok == nil {
			continue
		}
		if valTok != json.Delim('{') {
			return 0, fmt.Errorf("casedata: properties is not an object (got %v)", valTok)
		}

		for dec.More() {
			pk, err := dec.Token()
			if err != nil {
				return 0, fmt.Errorf("casedata: read property key: %w", err)
			}
			name, ok := pk.(string)
			if !ok {
				return 0, fmt.Errorf("casedata: property key not a string (got %T)", pk)
			}
			props = append(props, name)

			if name == "case_type" {
				vt, err := dec.Token()
				if err != nil {
					return 0, fmt.Errorf("casedata: read case_type value: %w", err)
				}
				if s, ok := vt.(string); ok {
					caseType = s
				} else if err := skipValueFromFirstToken(dec, vt); err != nil {
					return 0, err
				}
				continue
			}
			if err := skipNextValue(dec); err != nil {
				return 0, err
			}
		}
		if end, err := dec.Token(); err != nil {
			return 0, fmt.Errorf("casedata: read properties end: %w", err)
		} else if end != json.Delim('}') {
			return 0, fmt.Errorf("casedata: expected '}' after properties, got %v", end)
		}
	}
	if end, err := dec.Token(); err != nil {
		return 0, fmt.Errorf("casedata: read case end: %w", err)
	} else if end != json.Delim('}') {
		return 0, fmt.Errorf("casedata: expected '}' after case, got %v", end)
	}

	onRecord(caseType, props)
	return 1, nil
}

// skipNextValue skips the next JSON value without materializing it.
func skipNextValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("casedata: skip value token: %w", err)
	}
	return skipValueFromFirstToken(dec, tok)
}

func skipValueFromFirstToken(dec *json.Decoder, tok any) error {
	d, ok := tok.(json.Delim)
	if !ok {
		// scalar token; nothing else to consume
		return nil
	}

	switch d {
	case '{':
		for dec.More() {
			if _, err := dec.Token(); err != nil {
				return fmt.Errorf("casedata: skip object key: %w", err)
			}
			if err := skipNextValue(dec); err != nil {
				return err
			}
		}
		end, err := dec.Token()
		if err != nil {
			return fmt.Errorf("casedata: skip object end: %w", err)
		}
		if end != json.Delim('}') {
			return fmt.Errorf("casedata: expected '}', got %v", end)
		}
		return nil

	case '[':
		for dec.More() {
			if err := skipNextValue(dec); err != nil {
				return err
			}
		}
		end, err := dec.Token()
		if err != nil {
			return fmt.Errorf("casedata: skip array end: %w", err)
		}
		if end != json.Delim(']') {
			return fmt.Errorf("casedata: expected ']', got %v", end)
		}
		return nil

	default:
		return fmt.Errorf("casedata: unexpected delimiter %q", d)
	}
}
