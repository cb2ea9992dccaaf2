package simulator

import (
	"strconv"
	"strings"
	"unicode"
)

// short forms of every long mnemonic the simulator understands, keyed by the
// upper case long form.  Nodes already in short form map to themselves.
var shortForms = map[string]string{
	"ACQUIRE":    "ACQ",
	"ARBGEN":     "ARBG",
	"BORDER":     "BORD",
	"CHANNEL":    "CHAN",
	"COUNT":      "COUN",
	"COUPLING":   "COUP",
	"DCYCLE":     "DCYC",
	"DISPLAY":    "DISP",
	"ENABLE":     "ENAB",
	"ERROR":      "ERR",
	"EVENT":      "EVEN",
	"FORMAT":     "FORM",
	"FREQUENCY":  "FREQ",
	"FUNCTION":   "FUNC",
	"LEVEL":      "LEV",
	"MMEMORY":    "MMEM",
	"OFFSET":     "OFFS",
	"POINTS":     "POIN",
	"PRESET":     "PRES",
	"PULSE":      "PULS",
	"RANGE":      "RANG",
	"RUNMODE":    "RUNM",
	"RUNSINGLE":  "RUNS",
	"SCALE":      "SCAL",
	"SELECT":     "SEL",
	"SLOPE":      "SLOP",
	"SOURCE":     "SOUR",
	"SQUARE":     "SQU",
	"SRATE":      "SRAT",
	"STATE":      "STAT",
	"SYMMETRY":   "SYMM",
	"SYSTEM":     "SYST",
	"TIMEBASE":   "TIM",
	"TRIGGER":    "TRIG",
	"UPDATE":     "UPD",
	"VALUE":      "VAL",
	"VOLTAGE":    "VOLT",
	"WGENERATOR": "WGEN",
	"WIDTH":      "WIDT",
}

// numbered nodes default to suffix 1 when it is omitted
var numbered = map[string]bool{"CHAN": true, "WGEN": true, "EVEN": true, "LEV": true}

// header is a parsed command header such as CHANnel2:DATA?
type header struct {
	// pattern has numbered nodes written as NAME#, e.g. CHAN#:DATA
	pattern string

	// key is the pattern with suffixes filled in, e.g. CHAN2:DATA
	key string

	// suffixes holds the numeric suffixes of numbered nodes, in order
	suffixes []int

	query bool
}

func parseHeader(s string) header {
	var h header
	s = strings.TrimPrefix(strings.TrimSpace(s), ":")
	if strings.HasSuffix(s, "?") {
		h.query = true
		s = s[:len(s)-1]
	}
	if strings.HasPrefix(s, "*") {
		h.pattern = strings.ToUpper(s)
		h.key = h.pattern
		return h
	}
	nodes := strings.Split(s, ":")
	pat := make([]string, len(nodes))
	key := make([]string, len(nodes))
	for i, node := range nodes {
		name := strings.TrimRightFunc(node, unicode.IsDigit)
		digits := node[len(name):]
		name = strings.ToUpper(name)
		if short, ok := shortForms[name]; ok {
			name = short
		}
		if numbered[name] {
			n := 1
			if digits != "" {
				n, _ = strconv.Atoi(digits)
			}
			h.suffixes = append(h.suffixes, n)
			pat[i] = name + "#"
			key[i] = name + strconv.Itoa(n)
			continue
		}
		pat[i] = name + digits
		key[i] = name + digits
	}
	h.pattern = strings.Join(pat, ":")
	h.key = strings.Join(key, ":")
	return h
}

// suffix returns the i'th numeric suffix, or 1
func (h header) suffix(i int) int {
	if i < len(h.suffixes) {
		return h.suffixes[i]
	}
	return 1
}

// shortValue renders an enumerated value the way the instrument echoes it,
// the upper case short form: SINusoid becomes SIN, LSBFirst becomes LSBF.
// Numbers, quoted strings and all-caps words are returned unchanged.
func shortValue(v string) string {
	if v == "" || strings.ContainsAny(v, "'\"") {
		return v
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return v
	}
	if strings.ToUpper(v) == v {
		return v
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLower(r) {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sameMnemonic compares a value against a mixed case mnemonic, accepting the
// short and long forms in any case
func sameMnemonic(v, mnemonic string) bool {
	uv := strings.ToUpper(v)
	return uv == strings.ToUpper(mnemonic) || uv == shortValue(mnemonic)
}
