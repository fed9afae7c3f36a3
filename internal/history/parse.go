package history

import (
	"github.com/tidwall/gjson"
)

// ParseJSON leniently decodes a history payload. Invalid JSON yields an
// empty history.
func ParseJSON(data []byte) History {
	if !gjson.ValidBytes(data) {
		return History{}
	}
	return Parse(gjson.ParseBytes(data))
}

// Parse leniently decodes a history value. Accepted shapes:
//
//	[{"role": "human", "content": "hi"}, ...]      role objects
//	[{"human": "hi", "assistant": "hello"}, ...]   exchange pairs
//	{"prompt_list": ["hi", "hello", ...]}          legacy alternating list
//
// Entries that match none of these are dropped. Parse never fails.
func Parse(v gjson.Result) History {
	out := History{}
	switch {
	case v.IsArray():
		v.ForEach(func(_, entry gjson.Result) bool {
			out = append(out, parseEntry(entry)...)
			return true
		})
	case v.IsObject():
		if list := v.Get("prompt_list"); list.IsArray() {
			out = parsePromptList(list)
		}
	}
	return out
}

func parseEntry(entry gjson.Result) []Turn {
	if !entry.IsObject() {
		return nil
	}

	if role := entry.Get("role"); role.Exists() {
		content := entry.Get("content")
		if role.Type != gjson.String || content.Type != gjson.String {
			return nil
		}
		r, ok := ParseRole(role.Str)
		if !ok {
			return nil
		}
		return []Turn{{role: r, content: content.Str}}
	}

	var turns []Turn
	if human := entry.Get("human"); human.Type == gjson.String {
		turns = append(turns, Human(human.Str))
	} else if user := entry.Get("user"); user.Type == gjson.String {
		turns = append(turns, Human(user.Str))
	}
	if reply := firstString(entry, "assistant", "ai"); reply.Type == gjson.String {
		turns = append(turns, Assistant(reply.Str))
	}
	return turns
}

// parsePromptList decodes the legacy history blob, where
// message contents alternate human/assistant starting with human.
func parsePromptList(list gjson.Result) History {
	out := History{}
	idx := 0
	list.ForEach(func(_, item gjson.Result) bool {
		if item.Type != gjson.String {
			idx++
			return true
		}
		if idx%2 == 0 {
			out = append(out, Human(item.Str))
		} else {
			out = append(out, Assistant(item.Str))
		}
		idx++
		return true
	})
	return out
}

func firstString(entry gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := entry.Get(k); v.Type == gjson.String {
			return v
		}
	}
	return gjson.Result{}
}
