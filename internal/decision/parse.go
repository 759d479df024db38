package decision

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// ErrNoJSON 模型输出中找不到 JSON 对象。
var ErrNoJSON = errors.New("no json object in advisory output")

// ExtractJSON 从模型文本中截取第一个完整 JSON 对象，兼容 ```json 围栏与前后说明文字。
func ExtractJSON(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if j := strings.Index(rest, "```"); j >= 0 {
			s = strings.TrimSpace(rest[:j])
		}
	}
	start := strings.Index(s, "{")
	if start < 0 {
		return "", ErrNoJSON
	}
	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}

// ParseRaw 将模型输出解析为 RawRecommendation。
func ParseRaw(raw string) (RawRecommendation, error) {
	var out RawRecommendation
	body, err := ExtractJSON(raw)
	if err != nil {
		return out, err
	}
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// PrettyJSON 尝试对 JSON 文本进行缩进美化；失败则返回原文
func PrettyJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return raw
	}
	return string(b)
}

// TrimTo 限制字符串长度，超长则追加省略号
func TrimTo(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	var buf bytes.Buffer
	buf.WriteString(s[:max])
	buf.WriteString("...")
	return buf.String()
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
