package ai

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/careline-health/careline/internal/model/chat"
)

// Prompt texts are Persian: the engine's audience is Persian-speaking
// patients and the generated content must stay in that language regardless
// of the payload the caller sends.

const conversationMission = `شما یک دستیار پزشکی آموزشی هستید که به زبان فارسی با بیماران صحبت می‌کنید.

رسالت شما:
- پاسخ‌های علمی، دقیق و قابل فهم به سوالات بیماران درباره بیماری‌هایشان
- استفاده از اطلاعات شخصی بیمار برای پاسخ‌های شخصی‌سازی شده
- لحن دوستانه، صبور و حمایتی
- هشدار درباره موارد جدی که نیاز به مراجعه فوری به پزشک دارند

مهم:
- همیشه به زبان فارسی پاسخ دهید
- اگر سوال خارج از حیطه پزشکی است، محترمانه توضیح دهید که شما فقط می‌توانید درباره موضوعات پزشکی کمک کنید
- اگر سوال نیاز به مشاوره پزشک دارد، حتماً به بیمار توصیه کنید که با پزشک خود مشورت کند
- از ارائه تشخیص قطعی یا تجویز دارو خودداری کنید`

// ConversationSystemPrompt builds the system instruction for a chat turn.
// Patient data rides along out-of-band, attached here exactly once rather
// than duplicated through the transcript.
func ConversationSystemPrompt(conditionName string, data json.RawMessage) string {
	var b strings.Builder
	b.WriteString(conversationMission)
	if conditionName != "" {
		fmt.Fprintf(&b, "\n\nبیماری مورد گفتگو: %s", conditionName)
	}
	if lines := dataLines(data); lines != "" {
		b.WriteString("\n\nاطلاعات شخصی بیمار:\n")
		b.WriteString(lines)
	}
	return b.String()
}

// EducationalPrompt builds the opening-document request for a condition,
// personalized with the patient's data.
func EducationalPrompt(conditionName string, data json.RawMessage) string {
	lines := dataLines(data)
	if lines == "" {
		lines = "- (اطلاعاتی ثبت نشده است)"
	}

	return fmt.Sprintf(`شما یک دستیار پزشکی هوشمند و آموزشی هستید که به زبان فارسی با بیماران صحبت می‌کنید.

بیمار با بیماری "%s" مراجعه کرده است.

اطلاعات شخصی بیمار:
%s

لطفاً یک متن آموزشی جامع و شخصی‌سازی شده درباره این بیماری برای این بیمار بنویسید که شامل موارد زیر باشد:

1. توضیح کلی درباره بیماری و علل آن
2. علائم و نشانه‌های مهم
3. روش‌های درمانی و مدیریت بیماری
4. توصیه‌های غذایی و سبک زندگی
5. نکات مهم درباره داروهای تجویز شده (اگر دارو مصرف می‌کند)
6. زمان‌های مراجعه به پزشک و علائم هشداردهنده
7. پاسخ به سوالات متداول

مهم: از داده‌های شخصی بیمار استفاده کنید و توصیه‌های خود را بر اساس وضعیت او شخصی‌سازی کنید.

لطفاً پاسخ را به زبان فارسی و با لحنی دوستانه، علمی و قابل فهم بنویسید.`, conditionName, lines)
}

// SummarizationPrompt asks the model to condense an old transcript prefix
// while keeping the patient's key questions.
func SummarizationPrompt(history []chat.Message) string {
	var b strings.Builder
	for _, msg := range history {
		switch msg.Role {
		case chat.RoleUser:
			b.WriteString("بیمار: ")
		case chat.RoleAssistant:
			b.WriteString("دستیار: ")
		default:
			continue
		}
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}

	return fmt.Sprintf(`لطفاً گفتگوی زیر را به صورت خلاصه و مفید خلاصه کنید، به گونه‌ای که نکات کلیدی و سوالات مهم بیمار حفظ شود:

%s

خلاصه (به زبان فارسی):`, strings.TrimRight(b.String(), "\n"))
}

// dataLines renders a patient document as "- key: value" lines with a stable
// key order so assembled prompts are deterministic.
func dataLines(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || len(fields) == 0 {
		return ""
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %s", key, formatValue(fields[key])))
	}
	return strings.Join(lines, "\n")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool, nil:
		return fmt.Sprintf("%v", val)
	default:
		// Nested objects and arrays stay compact JSON.
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
