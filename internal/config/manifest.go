package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

var manifestValidator = validator.New(validator.WithRequiredStructEnabled())

// LoadManifest 读取 JSON 预缓存清单，格式为 [{"url": "...", "revision": "...", "integrity": "..."}]。
// 纯字符串元素视为没有 revision 的条目。
func LoadManifest(path string) ([]ManifestEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取清单失败: %w", err)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("解析清单失败: %w", err)
	}

	entries := make([]ManifestEntry, 0, len(items))
	for idx, item := range items {
		var asString string
		if err := json.Unmarshal(item, &asString); err == nil {
			entries = append(entries, ManifestEntry{URL: asString})
			continue
		}
		var entry ManifestEntry
		if err := json.Unmarshal(item, &entry); err != nil {
			return nil, newFieldError(manifestField("ManifestPath", idx, "url"), "无法解析条目")
		}
		entries = append(entries, entry)
	}

	if err := validateManifestEntries("ManifestPath", entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func validateManifestEntries(source string, entries []ManifestEntry) error {
	for idx, entry := range entries {
		if err := manifestValidator.Struct(entry); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				first := verrs[0]
				return newFieldError(manifestField(source, idx, first.Field()), "校验失败: "+first.Tag())
			}
			return fmt.Errorf("%s[%d]: %w", source, idx, err)
		}
	}
	return nil
}
