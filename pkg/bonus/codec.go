package bonus

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// The codec reads and writes the textual transaction log embedded in the
// account record. Two layouts exist in the wild: the legacy writer joined
// entries with single newlines, the current writer separates them with a
// blank line. Both are accepted on read; only the current layout is
// emitted on write.

var reservationAmountPattern = regexp.MustCompile(`(?:` + summaryReserved + `|` + summaryManual + `)\s+(\d+)`)

var symbolKinds = map[string]OperationKind{
	symbolCompleted:     KindCompleted,
	symbolCancelled:     KindCancelled,
	symbolReserve:       KindReserve,
	symbolManualReserve: KindManualReserve,
	symbolAccrual:       KindAccrual,
	symbolDeduction:     KindDeduction,
	symbolExpired:       KindExpired,
}

var kindSymbols = map[OperationKind]string{
	KindCompleted:     symbolCompleted,
	KindCancelled:     symbolCancelled,
	KindReserve:       symbolReserve,
	KindManualReserve: symbolManualReserve,
	KindAccrual:       symbolAccrual,
	KindDeduction:     symbolDeduction,
	KindExpired:       symbolExpired,
}

// DecodeLedger splits raw history text into entries, newest first. Blank
// lines are separators, surrounding whitespace is dropped, and lines the
// structured parser rejects are preserved verbatim as raw entries.
func DecodeLedger(raw string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		entries = append(entries, ParseEntry(trimmed))
	}
	return entries
}

// EncodeLedger renders entries newest-first with a blank line between
// them, enforcing the entry-count bound and then the serialized-length
// bound. When either bound drops entries a truncation marker is appended.
func EncodeLedger(config Config, entries []Entry) string {
	truncated := false
	kept := entries
	if len(kept) > config.MaxHistoryEntries {
		kept = kept[:config.MaxHistoryEntries]
		truncated = true
	}
	text := joinEntries(kept)
	if len(text) > config.MaxHistoryLength {
		keep := config.TruncateKeepEntries
		if keep > len(kept) {
			keep = len(kept)
		}
		kept = kept[:keep]
		text = joinEntries(kept)
		truncated = true
	}
	if truncated && (len(kept) == 0 || kept[len(kept)-1].Text() != truncationMarker) {
		if text == "" {
			return truncationMarker
		}
		text += "\n\n" + truncationMarker
	}
	return text
}

func joinEntries(entries []Entry) string {
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, entry.Text())
	}
	return strings.Join(lines, "\n\n")
}

// Text returns the persisted form of the entry: the verbatim legacy line
// when the entry is raw, the current wire format otherwise.
func (entry Entry) Text() string {
	if entry.raw != "" {
		return entry.raw
	}
	return FormatEntry(entry)
}

// FormatEntry renders an entry in the current wire format:
// symbol date | refs | total | summary | before→after | expiry.
func FormatEntry(entry Entry) string {
	symbol, ok := kindSymbols[entry.Kind]
	if !ok {
		symbol = symbolUnknown
	}
	parts := []string{
		symbol + " " + entry.Timestamp.UTC().Format(entryTimeLayout),
		formatRefs(entry.OrderRef, entry.LeadRef),
		strconv.FormatInt(entry.OrderTotal, 10) + currencySign,
		formatSummary(entry),
		strconv.FormatInt(entry.BalanceBefore, 10) + "→" + strconv.FormatInt(entry.BalanceAfter, 10),
		expiryPrefix + " " + entry.ExpirySnapshot.UTC().Format(entryDateLayout),
	}
	return strings.Join(parts, " | ")
}

func formatRefs(orderRef string, leadRef string) string {
	switch {
	case orderRef != "" && leadRef != "":
		return "#" + orderRef + " (Lead #" + leadRef + ")"
	case leadRef != "":
		return "Lead #" + leadRef
	case orderRef != "":
		return "#" + orderRef
	}
	return "-"
}

func formatSummary(entry Entry) string {
	var terms []string
	switch entry.Kind {
	case KindReserve:
		terms = append(terms, fmt.Sprintf("%s %d", summaryReserved, entry.AmountAdded))
	case KindManualReserve:
		terms = append(terms, fmt.Sprintf("%s %d", summaryManual, entry.AmountAdded))
	case KindCompleted:
		terms = append(terms,
			fmt.Sprintf("%s %d", summaryUsed, entry.AmountRemoved),
			fmt.Sprintf("%s %d", summaryAccrued, entry.AmountAdded))
	case KindCancelled:
		terms = append(terms, fmt.Sprintf("%s %d", summaryReturned, entry.AmountRemoved))
	case KindAccrual:
		terms = append(terms, fmt.Sprintf("%s %d", summaryAccrued, entry.AmountAdded))
	case KindDeduction:
		terms = append(terms, fmt.Sprintf("%s %d", summaryUsed, entry.AmountRemoved))
	case KindExpired:
		terms = append(terms, fmt.Sprintf("%s %d", summaryExpired, entry.AmountRemoved))
	}
	if len(terms) == 0 {
		return "no change"
	}
	return strings.Join(terms, ", ")
}

// ParseEntry attempts the structured parse and falls back to a raw entry,
// so unknown and legacy lines survive rewrites untouched.
func ParseEntry(line string) Entry {
	parts := strings.Split(line, " | ")
	if len(parts) != 6 {
		return RawEntry(line)
	}
	symbol, timestamp, ok := parseHeader(parts[0])
	if !ok {
		return RawEntry(line)
	}
	kind, ok := symbolKinds[symbol]
	if !ok {
		return RawEntry(line)
	}
	orderRef, leadRef, ok := parseRefs(parts[1])
	if !ok {
		return RawEntry(line)
	}
	total, ok := parseTotal(parts[2])
	if !ok {
		return RawEntry(line)
	}
	entry := Entry{
		Timestamp:  timestamp,
		OrderRef:   orderRef,
		LeadRef:    leadRef,
		Kind:       kind,
		OrderTotal: total,
	}
	if !applySummary(&entry, parts[3]) {
		return RawEntry(line)
	}
	before, after, ok := parseBalances(parts[4])
	if !ok {
		return RawEntry(line)
	}
	entry.BalanceBefore = before
	entry.BalanceAfter = after
	expiry, ok := parseExpiry(parts[5])
	if !ok {
		return RawEntry(line)
	}
	entry.ExpirySnapshot = expiry
	return entry
}

func parseHeader(part string) (string, time.Time, bool) {
	fields := strings.SplitN(part, " ", 2)
	if len(fields) != 2 {
		return "", time.Time{}, false
	}
	symbol := fields[0]
	for _, layout := range []string{entryTimeLayout, entryDateLayout, legacyEntryDateLayout} {
		if timestamp, err := time.Parse(layout, strings.TrimSpace(fields[1])); err == nil {
			return symbol, timestamp, true
		}
	}
	return "", time.Time{}, false
}

func parseRefs(part string) (string, string, bool) {
	trimmed := strings.TrimSpace(part)
	if trimmed == "-" || trimmed == "" {
		return "", "", true
	}
	if strings.HasPrefix(trimmed, "Lead #") {
		return "", strings.TrimPrefix(trimmed, "Lead #"), true
	}
	if !strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	rest := strings.TrimPrefix(trimmed, "#")
	if open := strings.Index(rest, " (Lead #"); open >= 0 {
		orderRef := rest[:open]
		leadPart := rest[open+len(" (Lead #"):]
		leadRef := strings.TrimSuffix(leadPart, ")")
		if orderRef == "" || leadRef == "" || leadRef == leadPart {
			return "", "", false
		}
		return orderRef, leadRef, true
	}
	return rest, "", true
}

func parseTotal(part string) (int64, bool) {
	trimmed := strings.TrimSuffix(strings.TrimSpace(part), currencySign)
	total, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

func applySummary(entry *Entry, part string) bool {
	trimmed := strings.TrimSpace(part)
	if trimmed == "no change" {
		return true
	}
	for _, term := range strings.Split(trimmed, ", ") {
		fields := strings.Fields(term)
		if len(fields) != 2 {
			return false
		}
		amount, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return false
		}
		switch fields[0] {
		case summaryReserved, summaryManual, summaryAccrued:
			entry.AmountAdded = amount
		case summaryUsed, summaryReturned, summaryExpired:
			entry.AmountRemoved = amount
		default:
			return false
		}
	}
	return true
}

func parseBalances(part string) (int64, int64, bool) {
	fields := strings.Split(strings.TrimSpace(part), "→")
	if len(fields) != 2 {
		return 0, 0, false
	}
	before, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	after, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return before, after, true
}

func parseExpiry(part string) (time.Time, bool) {
	trimmed := strings.TrimSpace(part)
	if !strings.HasPrefix(trimmed, expiryPrefix+" ") {
		return time.Time{}, false
	}
	expiry, err := time.Parse(entryDateLayout, strings.TrimPrefix(trimmed, expiryPrefix+" "))
	if err != nil {
		return time.Time{}, false
	}
	return expiry, true
}

// FindReservationTotal sums the reserve and manual-reserve amounts
// recorded for an order. The found flag is distinct from a zero total so
// callers can fall back to the order's own recorded discount when the
// history holds no reservation at all.
func FindReservationTotal(entries []Entry, orderRef string) (int64, bool) {
	if orderRef == "" {
		return 0, false
	}
	var total int64
	found := false
	for _, entry := range entries {
		if entry.IsRaw() {
			line := entry.Text()
			if !strings.Contains(line, "#"+orderRef) {
				continue
			}
			if !strings.Contains(line, symbolReserve) && !strings.Contains(line, symbolManualReserve) {
				continue
			}
			if match := reservationAmountPattern.FindStringSubmatch(line); match != nil {
				amount, err := strconv.ParseInt(match[1], 10, 64)
				if err == nil {
					total += amount
					found = true
				}
			}
			continue
		}
		if entry.OrderRef != orderRef {
			continue
		}
		if entry.Kind == KindReserve || entry.Kind == KindManualReserve {
			total += entry.AmountAdded
			found = true
		}
	}
	return total, found
}

// HasManualReservation reports whether a lead-sourced reservation already
// exists for the order; it keys the idempotency of the manual path.
func HasManualReservation(entries []Entry, orderRef string) bool {
	if orderRef == "" {
		return false
	}
	for _, entry := range entries {
		if entry.IsRaw() {
			line := entry.Text()
			if strings.Contains(line, "#"+orderRef) && strings.Contains(line, symbolManualReserve) {
				return true
			}
			continue
		}
		if entry.OrderRef == orderRef && entry.Kind == KindManualReserve {
			return true
		}
	}
	return false
}

// HasOperation is the generic best-effort idempotency check: an operation
// counts as already applied when an entry mentions the order's reference
// token and, if a marker is given, the marker text. Substring matching is
// deliberate; the history is the only idempotency signal available.
func HasOperation(entries []Entry, orderRef string, marker string) bool {
	if orderRef == "" {
		return false
	}
	for _, entry := range entries {
		line := entry.Text()
		if entry.IsRaw() {
			if strings.Contains(line, "#"+orderRef) && (marker == "" || strings.Contains(line, marker)) {
				return true
			}
			continue
		}
		if entry.OrderRef == orderRef && (marker == "" || strings.Contains(line, marker)) {
			return true
		}
	}
	return false
}
