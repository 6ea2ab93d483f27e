package agent

import (
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/flagrunner/api/schemas"
)

// Assignment is one proposed state update found in a report.
type Assignment struct {
	Key    StateKey
	Value  string
	Source string // "marker", "dict", "set-cookie" or "jwt"
}

// ReportParser turns free-form executor reports into structured candidates.
// It is the only place that knows the textual report protocol.
type ReportParser interface {
	StateAssignments(report string) []Assignment
	FindingCandidates(report string) []schemas.Finding
}

var (
	stateMarkerRegex = regexp.MustCompile(`(?i)\[STATE_UPDATE\]`)
	dictLiteralRegex = regexp.MustCompile(`'([A-Za-z_]+)'\s*:\s*'([^'\n]*)'`)
	setCookieRegex   = regexp.MustCompile(`(?i)set-cookie:\s*([^\r\n]+)`)
	sessionNameRegex = regexp.MustCompile(`(?i)(sess|token|auth|sid|jwt)`)

	findingRegex   = regexp.MustCompile(`(?im)\[FINDING\][ \t]*([^:\n]+?)[ \t]*:[ \t]*([^\n]+)`)
	discoveryRegex = regexp.MustCompile(`(?im)\[DISCOVERY\][ \t]*:?[ \t]*([^\n]+)`)
	flagLineRegex  = regexp.MustCompile(`(?im)\[FLAG\][ \t]*:?[ \t]*([^\n]+)`)
	bareFlagRegex  = regexp.MustCompile(`(?i)flag\{[^}\n]+\}`)
)

// RegexParser implements ReportParser for the marker protocol the executor
// prompt asks for.
type RegexParser struct{}

var _ ReportParser = RegexParser{}

// StateAssignments returns assignments in rule order: explicit markers, then
// dictionary literals, then Set-Cookie headers.
func (RegexParser) StateAssignments(report string) []Assignment {
	var out []Assignment
	out = append(out, markerAssignments(report)...)

	for _, m := range dictLiteralRegex.FindAllStringSubmatch(report, -1) {
		if key, ok := ParseStateKey(m[1]); ok {
			out = append(out, Assignment{Key: key, Value: m[2], Source: "dict"})
		}
	}

	if cookie, ok := pickSessionCookie(report); ok {
		out = append(out, Assignment{Key: KeyCredential, Value: cookie, Source: "set-cookie"})
	}
	return out
}

// markerAssignments handles "[STATE_UPDATE] key: value". A value runs to the
// next marker or the end of its line, whichever comes first.
func markerAssignments(report string) []Assignment {
	locs := stateMarkerRegex.FindAllStringIndex(report, -1)
	var out []Assignment
	for i, loc := range locs {
		end := len(report)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		segment := report[loc[1]:end]
		if nl := strings.IndexByte(segment, '\n'); nl >= 0 {
			segment = segment[:nl]
		}

		name, value, found := strings.Cut(segment, ":")
		if !found {
			continue
		}
		key, ok := ParseStateKey(strings.Trim(name, " \t*`"))
		if !ok {
			continue
		}
		out = append(out, Assignment{Key: key, Value: value, Source: "marker"})
	}
	return out
}

// pickSessionCookie returns the last Set-Cookie pair whose name looks like a
// session token, falling back to the last pair of any name. Deletion cookies
// (empty value, Max-Age<=0 or an Expires in the past) are never picked.
func pickSessionCookie(report string) (string, bool) {
	now := time.Now()
	chosen, fallback := "", ""
	for _, m := range setCookieRegex.FindAllStringSubmatch(report, -1) {
		pair, attrs, _ := strings.Cut(m[1], ";")
		pair = strings.TrimSpace(pair)
		name, value, _ := strings.Cut(pair, "=")
		if _, ok := NormalizeValue(value); !ok || cookieDeleted(attrs, now) {
			continue
		}
		fallback = pair
		if sessionNameRegex.MatchString(name) {
			chosen = pair
		}
	}
	if chosen == "" {
		chosen = fallback
	}
	return chosen, chosen != ""
}

// cookieDeleted reports whether the cookie attributes expire it immediately.
func cookieDeleted(attrs string, now time.Time) bool {
	for _, attr := range strings.Split(attrs, ";") {
		name, value, _ := strings.Cut(strings.TrimSpace(attr), "=")
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "max-age":
			if n, err := strconv.Atoi(value); err == nil && n <= 0 {
				return true
			}
		case "expires":
			if t, err := http.ParseTime(value); err == nil && !t.After(now) {
				return true
			}
		}
	}
	return false
}

type positioned struct {
	pos     int
	finding schemas.Finding
}

// FindingCandidates returns every finding pattern match in order of appearance.
// Bodies are normalized but not deduplicated.
func (RegexParser) FindingCandidates(report string) []schemas.Finding {
	var found []positioned
	add := func(pos int, kind schemas.FindingKind, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		found = append(found, positioned{pos: pos, finding: schemas.Finding{Kind: kind, Body: body}})
	}

	for _, m := range findingRegex.FindAllStringSubmatchIndex(report, -1) {
		label := strings.TrimSpace(report[m[2]:m[3]])
		body := strings.TrimSpace(report[m[4]:m[5]])
		if label == "" || body == "" {
			continue
		}
		add(m[0], schemas.KindVulnerabilitySignal, label+": "+body)
	}
	for _, m := range discoveryRegex.FindAllStringSubmatchIndex(report, -1) {
		if body := strings.TrimSpace(report[m[2]:m[3]]); body != "" {
			add(m[0], schemas.KindDiscovery, "Discovery: "+body)
		}
	}
	for _, m := range flagLineRegex.FindAllStringSubmatchIndex(report, -1) {
		if body, ok := NormalizeValue(flagBody(report[m[2]:m[3]])); ok && !strings.EqualFold(body, "n/a") {
			add(m[0], schemas.KindFlagCapture, "FLAG: "+body)
		}
	}
	for _, m := range bareFlagRegex.FindAllStringIndex(report, -1) {
		add(m[0], schemas.KindFlagCapture, "FLAG: "+flagBody(report[m[0]:m[1]]))
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].pos < found[j].pos })
	out := make([]schemas.Finding, 0, len(found))
	for _, p := range found {
		out = append(out, p.finding)
	}
	return out
}

func flagBody(raw string) string {
	return strings.TrimSpace(strings.ReplaceAll(raw, "`", ""))
}

// StateChange records one applied update.
type StateChange struct {
	Key    StateKey
	Old    string
	New    string
	Source string
}

// StateUpdateExtractor applies the assignments found in a report to a
// SessionState.
type StateUpdateExtractor struct {
	parser ReportParser
	logger *zap.Logger
}

// NewStateUpdateExtractor creates an extractor over parser.
func NewStateUpdateExtractor(parser ReportParser, logger *zap.Logger) *StateUpdateExtractor {
	return &StateUpdateExtractor{parser: parser, logger: logger.Named("state")}
}

// Apply merges every assignment found in report into state and returns the
// fields whose final value differs from what they held before. Later
// assignments override earlier ones only when their value differs.
func (x *StateUpdateExtractor) Apply(report string, state *SessionState) []StateChange {
	before := *state
	next := *state
	source := make(map[StateKey]string)

	for _, a := range x.parser.StateAssignments(report) {
		if next.Set(a.Key, a.Value) {
			source[a.Key] = a.Source
		}
	}

	credential := next.Get(KeyCredential)
	if credential != before.Get(KeyCredential) && !next.Has(KeyIdentity) {
		if id, ok := identityFromToken(credential); ok && next.Set(KeyIdentity, id) {
			source[KeyIdentity] = "jwt"
		}
	}

	var changes []StateChange
	for _, k := range StateKeys {
		if old, cur := before.Get(k), next.Get(k); old != cur {
			changes = append(changes, StateChange{Key: k, Old: old, New: cur, Source: source[k]})
			x.logger.Info("[STATE] updated",
				zap.String("key", string(k)),
				zap.String("value", cur),
				zap.String("source", source[k]))
		}
	}
	*state = next
	return changes
}

// identityClaims are checked in order when deriving identity from a token.
var identityClaims = []string{"sub", "user_id", "uid", "username", "id"}

// identityFromToken reads an identity claim out of a JWT credential without
// verifying it. The credential may be a bare token or a "name=token" pair.
func identityFromToken(credential string) (string, bool) {
	token := credential
	if _, v, ok := strings.Cut(credential, "="); ok {
		token = v
	}
	if strings.Count(token, ".") != 2 {
		return "", false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", false
	}
	for _, name := range identityClaims {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), true
		}
	}
	return "", false
}

// loginMarkers identify a todo whose purpose is authentication.
var loginMarkers = []string{"login", "登录"}

// IsLoginTask reports whether todo is about authenticating.
func IsLoginTask(todo string) bool {
	lower := strings.ToLower(todo)
	for _, m := range loginMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// DetectSessionExpiry reports whether a step's report shows the server
// bouncing an authenticated request back to the root. All of the following
// must hold: a credential existed before the step, the report carries both
// "Redirecting" and href="/", the todo is not a login task, and the step did
// not change the credential.
func DetectSessionExpiry(report, todo, credentialBefore, credentialAfter string) bool {
	if credentialBefore == "" {
		return false
	}
	if !strings.Contains(report, "Redirecting") || !strings.Contains(report, `href="/"`) {
		return false
	}
	if IsLoginTask(todo) {
		return false
	}
	return credentialBefore == credentialAfter
}
