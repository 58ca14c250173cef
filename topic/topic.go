// Package topic 实现 MQTT 主题名/主题过滤器的校验, 匹配和订阅树.
//
// MQTT v3.1.1/v5.0: 参考章节 4.7 Topic Names and Topic Filters
//   - 层级分隔符 "/", 单层通配符 "+", 多层通配符 "#"
//   - 以 "$" 开头的主题 (如 $SYS) 不与首层为通配符的过滤器匹配
package topic

import (
	"errors"
	"strings"
)

// ReservedPrefix marks server reserved topics such as $SYS.
const ReservedPrefix = "$"

const maxLength = 65535

var (
	ErrEmpty         = errors.New("topic: empty")
	ErrTooLong       = errors.New("topic: longer than 65535 bytes")
	ErrInvalidChar   = errors.New("topic: contains U+0000 or U+FFFD")
	ErrWildcard      = errors.New("topic: wildcard in topic name")
	ErrInvalidFilter = errors.New("topic: wildcard must occupy an entire level")
	ErrHashNotLast   = errors.New("topic: '#' must be the last level")
)

// IsReserved reports whether name is a server reserved topic.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}

func checkCommon(s string) error {
	if s == "" {
		return ErrEmpty
	}
	if len(s) > maxLength {
		return ErrTooLong
	}
	if strings.ContainsRune(s, 0) || strings.ContainsRune(s, '\uFFFD') {
		return ErrInvalidChar
	}
	return nil
}

// ValidTopic checks a topic name used in PUBLISH or a will.
func ValidTopic(name string) error {
	if err := checkCommon(name); err != nil {
		return err
	}
	if strings.ContainsAny(name, "+#") {
		return ErrWildcard
	}
	return nil
}

// ValidFilter checks a topic filter used in SUBSCRIBE/UNSUBSCRIBE.
func ValidFilter(filter string) error {
	if err := checkCommon(filter); err != nil {
		return err
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return ErrHashNotLast
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return ErrInvalidFilter
		}
	}
	return nil
}

// Matches reports whether the topic name matches the filter.
func Matches(filter, name string) bool {
	f, n := strings.Split(filter, "/"), strings.Split(name, "/")
	if IsReserved(name) && (f[0] == "+" || f[0] == "#") {
		return false
	}
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(n) {
			return false
		}
		if level != "+" && level != n[i] {
			return false
		}
	}
	return len(f) == len(n)
}
