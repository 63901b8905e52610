package store

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"vibeforge/internal/logging"
	"vibeforge/internal/types"
)

// InternalMemoSentinel marks messages that are model context only; the UI
// hides them and the bloat migration drops them.
const InternalMemoSentinel = "<Internal Memo>"

// conversationBloatThreshold triggers internal-memo pruning on load.
const conversationBloatThreshold = 25

// Migrate upgrades a persisted state document to the current schema.
// It returns the (possibly rewritten) document and whether anything
// changed. Migration is a fixed point: migrating an already-migrated
// document changes nothing.
func Migrate(doc []byte) ([]byte, bool, error) {
	var state map[string]any
	if err := json.Unmarshal(doc, &state); err != nil {
		return nil, false, fmt.Errorf("parse document: %w", err)
	}

	changed := false
	changed = migrateFileKeys(state) || changed
	changed = migrateConversation(state) || changed
	changed = migrateInferenceContext(state) || changed
	changed = migrateTemplateDetails(state) || changed
	changed = migrateProjectName(state) || changed
	changed = migrateUpdatesAccumulator(state) || changed

	if !changed {
		return doc, false, nil
	}

	out, err := json.Marshal(state)
	if err != nil {
		return nil, false, fmt.Errorf("serialize migrated document: %w", err)
	}
	logging.Get(logging.CategoryStore).Infow("state migrations applied")
	return out, true, nil
}

// migrateFileKeys rewrites legacy snake_case file fields to camelCase.
func migrateFileKeys(state map[string]any) bool {
	filesRaw, ok := state["generatedFilesMap"].(map[string]any)
	if !ok {
		return false
	}

	legacy := map[string]string{
		"file_path":     "path",
		"file_contents": "contents",
		"file_purpose":  "purpose",
	}

	changed := false
	for path, raw := range filesRaw {
		file, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		for from, to := range legacy {
			if v, exists := file[from]; exists {
				if _, taken := file[to]; !taken {
					file[to] = v
				}
				delete(file, from)
				changed = true
			}
		}
		filesRaw[path] = file
	}
	return changed
}

// migrateConversation deduplicates by conversationId (last writer wins)
// and drops internal memos from bloated histories.
func migrateConversation(state map[string]any) bool {
	msgsRaw, ok := state["conversationMessages"].([]any)
	if !ok {
		return false
	}

	changed := false

	// Last-writer-wins dedup, preserving the order of last occurrence.
	lastIdx := map[string]int{}
	for i, raw := range msgsRaw {
		if m, ok := raw.(map[string]any); ok {
			if id, ok := m["conversationId"].(string); ok && id != "" {
				lastIdx[id] = i
			}
		}
	}
	deduped := make([]any, 0, len(msgsRaw))
	for i, raw := range msgsRaw {
		m, ok := raw.(map[string]any)
		if !ok {
			deduped = append(deduped, raw)
			continue
		}
		id, _ := m["conversationId"].(string)
		if id != "" && lastIdx[id] != i {
			changed = true
			continue
		}
		deduped = append(deduped, raw)
	}

	if len(deduped) > conversationBloatThreshold {
		pruned := make([]any, 0, len(deduped))
		for _, raw := range deduped {
			if m, ok := raw.(map[string]any); ok {
				if text, ok := m["content"].(string); ok && strings.Contains(text, InternalMemoSentinel) {
					changed = true
					continue
				}
			}
			pruned = append(pruned, raw)
		}
		deduped = pruned
	}

	if changed {
		state["conversationMessages"] = deduped
	}
	return changed
}

// migrateInferenceContext removes the retired userApiKeys field.
func migrateInferenceContext(state map[string]any) bool {
	ic, ok := state["inferenceContext"].(map[string]any)
	if !ok {
		return false
	}
	if _, exists := ic["userApiKeys"]; exists {
		delete(ic, "userApiKeys")
		return true
	}
	return false
}

// migrateTemplateDetails replaces an inlined template blob with the
// template name; the cache is reconstructed lazily.
func migrateTemplateDetails(state map[string]any) bool {
	blob, ok := state["templateDetails"].(map[string]any)
	if !ok {
		if _, exists := state["templateDetails"]; exists {
			delete(state, "templateDetails")
			return true
		}
		return false
	}
	if name, ok := blob["name"].(string); ok && name != "" {
		if existing, _ := state["templateName"].(string); existing == "" {
			state["templateName"] = name
		}
	}
	delete(state, "templateDetails")
	return true
}

var nonSlug = regexp.MustCompile(`[^a-z0-9_-]+`)

// migrateProjectName backfills a project name from the blueprint, template,
// or query, suffixed with a fresh short id and capped to 20 characters.
func migrateProjectName(state map[string]any) bool {
	if name, _ := state["projectName"].(string); name != "" {
		return false
	}

	base := ""
	if bp, ok := state["blueprint"].(map[string]any); ok {
		base, _ = bp["projectName"].(string)
		if base == "" {
			base, _ = bp["title"].(string)
		}
	}
	if base == "" {
		base, _ = state["templateName"].(string)
	}
	if base == "" {
		base, _ = state["query"].(string)
	}

	state["projectName"] = GenerateProjectName(base)
	return true
}

// migrateUpdatesAccumulator ensures the accumulator array exists.
func migrateUpdatesAccumulator(state map[string]any) bool {
	if _, exists := state["projectUpdatesAccumulator"]; exists {
		return false
	}
	state["projectUpdatesAccumulator"] = []any{}
	return true
}

// GenerateProjectName builds a valid project slug from arbitrary text plus
// a random suffix, capped to 20 characters.
func GenerateProjectName(base string) string {
	slug := nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(base)), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "app"
	}

	suffix := shortID(6)
	max := 20 - len(suffix) - 1
	if len(slug) > max {
		slug = slug[:max]
	}
	slug = strings.Trim(slug, "-")
	name := slug + "-" + suffix
	if !types.IsValidProjectName(name) {
		name = "app-" + suffix
	}
	return name
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func shortID(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is effectively unreachable; fall back to a
		// constant so name generation still terminates.
		return strings.Repeat("0", n)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}
