package api

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/starford/tagledger/internal/apperr"
	"github.com/starford/tagledger/internal/models"
	"github.com/starford/tagledger/internal/noteservice"
)

// parseFilter reads the note list filters. status and priority take comma
// separated lists; priority accepts "none" for notes without a priority.
func parseFilter(q url.Values) (models.NoteFilter, error) {
	var f models.NoteFilter

	if raw, ok := present(q, "status"); ok {
		parts := splitList(raw)
		if len(parts) == 0 {
			return f, fmt.Errorf("%w: invalid status filter", apperr.ErrInvalid)
		}
		for _, p := range parts {
			st := models.Status(strings.ToLower(p))
			if !st.Valid() {
				return f, fmt.Errorf("%w: invalid status filter", apperr.ErrInvalid)
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	if raw, ok := present(q, "priority"); ok {
		parts := splitList(raw)
		if len(parts) == 0 {
			return f, fmt.Errorf("%w: invalid priority filter", apperr.ErrInvalid)
		}
		for _, p := range parts {
			if strings.EqualFold(p, "none") {
				f.PriorityNone = true
				continue
			}
			v, err := strconv.Atoi(p)
			if err != nil || v < models.MinPriority || v > models.MaxPriority {
				return f, fmt.Errorf("%w: invalid priority filter", apperr.ErrInvalid)
			}
			if !slices.Contains(f.Priorities, v) {
				f.Priorities = append(f.Priorities, v)
			}
		}
		slices.Sort(f.Priorities)
	}

	if raw, ok := present(q, "comment"); ok {
		switch v := strings.ToLower(raw); v {
		case "any", "none":
			f.Comment = v
		default:
			return f, fmt.Errorf("%w: invalid comment filter", apperr.ErrInvalid)
		}
	}

	var err error
	if f.IncludeDeleted, err = flag(q, "include_deleted"); err != nil {
		return f, err
	}
	if f.IncludeArchived, err = flag(q, "include_archived"); err != nil {
		return f, err
	}
	return f, nil
}

// present returns the trimmed value of key when it is set and non-blank.
func present(q url.Values, key string) (string, bool) {
	v := strings.TrimSpace(q.Get(key))
	return v, v != ""
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// flag parses a boolean query parameter; absent means false.
func flag(q url.Values, key string) (bool, error) {
	raw, ok := present(q, key)
	if !ok {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", apperr.ErrInvalid, key)
	}
	return v, nil
}

// limit parses the export window; absent means the default. Range checks
// happen in the service.
func limit(q url.Values) (int, error) {
	raw, ok := present(q, "limit")
	if !ok {
		return noteservice.DefaultExportLimit, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: limit must be %d..%d", apperr.ErrInvalid, noteservice.MinExportLimit, noteservice.MaxExportLimit)
	}
	return v, nil
}
