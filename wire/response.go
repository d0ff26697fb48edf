package wire

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/arloliu/go-dispense/dispense"
)

// Record keywords.
const (
	KeywordItems = "Items"
	KeywordUsers = "Users"
	KeywordItem  = "Item"
	KeywordUser  = "User"
	KeywordSalt  = "SALT"
)

// Response is a parsed response line: a three digit code, an optional
// keyword and the rest of the line.
type Response struct {
	Code    int
	Keyword string
	Rest    string
	Line    string
}

// ParseResponse parses a response line. Anything that does not start with
// exactly three digits followed by a space or the end of line is malformed.
func ParseResponse(line string) (*Response, error) {
	if len(line) < 3 {
		return nil, malformed(line, "missing response code")
	}
	for i := 0; i < 3; i++ {
		if line[i] < '0' || line[i] > '9' {
			return nil, malformed(line, "missing response code")
		}
	}
	if len(line) > 3 && line[3] != ' ' && line[3] != '\t' {
		return nil, malformed(line, "response code not followed by a space")
	}

	code, _ := strconv.Atoi(line[:3])
	resp := &Response{Code: code, Line: line}

	text := strings.TrimSpace(line[3:])
	if kw, rest, found := strings.Cut(text, " "); found {
		resp.Keyword = kw
		resp.Rest = strings.TrimSpace(rest)
	} else {
		resp.Keyword = text
	}

	return resp, nil
}

// FormatStatus formats a plain status line, e.g. "200 OK".
func FormatStatus(code int, text string) string {
	if text == "" {
		text = StatusText(code)
	}

	return fmt.Sprintf("%03d %s", code, text)
}

// ParseArrayHeader parses "201 <Keyword> <count>".
func ParseArrayHeader(resp *Response, keyword string) (int, error) {
	if resp.Code != CodeArray {
		return 0, Unexpected(resp)
	}
	if resp.Keyword != keyword {
		return 0, malformed(resp.Line, fmt.Sprintf("expected %s array", keyword))
	}
	count, err := strconv.Atoi(resp.Rest)
	if err != nil || count < 0 {
		return 0, malformed(resp.Line, "invalid array count")
	}

	return count, nil
}

// FormatArrayHeader formats "201 <Keyword> <count>".
func FormatArrayHeader(keyword string, count int) string {
	return fmt.Sprintf("%d %s %d", CodeArray, keyword, count)
}

var itemRecordRegexp = regexp.MustCompile(`^([A-Za-z]+):([0-9]+)\s+([a-z]+)\s+([0-9]+)(?:\s+(.*))?$`)

// ParseItemRecord parses "202 Item <type>:<id> <status> <price> <description>".
func ParseItemRecord(resp *Response) (dispense.Item, error) {
	if resp.Code != CodeRecord {
		return dispense.Item{}, Unexpected(resp)
	}
	if resp.Keyword != KeywordItem {
		return dispense.Item{}, malformed(resp.Line, "expected item record")
	}
	m := itemRecordRegexp.FindStringSubmatch(resp.Rest)
	if m == nil {
		return dispense.Item{}, malformed(resp.Line, "invalid item record")
	}

	id, err := strconv.Atoi(m[2])
	if err != nil {
		return dispense.Item{}, malformed(resp.Line, "invalid item id")
	}
	status, err := dispense.ParseItemStatus(m[3])
	if err != nil {
		return dispense.Item{}, malformed(resp.Line, "invalid item status")
	}
	price, err := strconv.Atoi(m[4])
	if err != nil {
		return dispense.Item{}, malformed(resp.Line, "invalid item price")
	}

	return dispense.Item{
		Type:        m[1],
		ID:          id,
		Status:      status,
		Price:       price,
		Description: strings.TrimSpace(m[5]),
	}, nil
}

// FormatItemRecord formats an item record line.
func FormatItemRecord(item dispense.Item) string {
	return strings.TrimSpace(fmt.Sprintf("%d %s %s %s %d %s",
		CodeRecord, KeywordItem, item.Ref(), item.Status, item.Price, item.Description))
}

var userRecordRegexp = regexp.MustCompile(`^(\S+)\s+(-?[0-9]+)(?:\s+(\S*))?\s*$`)

// ParseUserRecord parses "202 User <name> <balance> <flags>".
func ParseUserRecord(resp *Response) (dispense.User, error) {
	if resp.Code != CodeRecord {
		return dispense.User{}, Unexpected(resp)
	}
	if resp.Keyword != KeywordUser {
		return dispense.User{}, malformed(resp.Line, "expected user record")
	}
	m := userRecordRegexp.FindStringSubmatch(resp.Rest)
	if m == nil {
		return dispense.User{}, malformed(resp.Line, "invalid user record")
	}

	balance, err := strconv.Atoi(m[2])
	if err != nil {
		return dispense.User{}, malformed(resp.Line, "invalid balance")
	}
	flags, err := dispense.ParseFlags(m[3])
	if err != nil {
		return dispense.User{}, malformed(resp.Line, "invalid flags")
	}

	return dispense.User{Name: m[1], Balance: balance, Flags: flags}, nil
}

// FormatUserRecord formats a user record line.
func FormatUserRecord(u dispense.User) string {
	return strings.TrimSpace(fmt.Sprintf("%d %s %s %d %s", CodeRecord, KeywordUser, u.Name, u.Balance, u.Flags))
}

// ParseSalt extracts the salt of a 100 response. Both "100 SALT <salt>" and
// "100 <word> SALT <salt>" carry a salt; any other 100 response, such as
// "100 User Set", carries none.
func ParseSalt(resp *Response) (string, bool) {
	if resp.Code != CodeSalt {
		return "", false
	}
	if resp.Keyword == KeywordSalt {
		fields := strings.Fields(resp.Rest)
		if len(fields) > 0 {
			return fields[0], true
		}
		return "", false
	}
	fields := strings.Fields(resp.Rest)
	if len(fields) >= 2 && fields[0] == KeywordSalt {
		return fields[1], true
	}

	return "", false
}

// FormatSalt formats the salt line sent in reply to USER.
func FormatSalt(salt string) string {
	return fmt.Sprintf("%d %s %s", CodeSalt, KeywordSalt, salt)
}
