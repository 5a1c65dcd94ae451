package fints

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/wealthpanel/internal/adapter/driven/broker/kit"
	"github.com/ericfisherdev/wealthpanel/internal/domain/model"
)

const (
	countryCode = "280"
	hbciVersion = "300"
	singleStep  = "999"
)

// Return codes the dialog logic acts on.
const (
	codeTANRequired      = "0030"
	codeAllowedMethods   = "3920"
	codeDecoupled        = "3955"
	codeDecoupledWaiting = "3956"
)

type returnCode struct {
	Code   string
	Text   string
	Params []string
	Global bool // From HIRMG rather than a segment-level HIRMS.
}

// response is a parsed bank message with the encrypted payload unwrapped.
type response struct {
	segments []segment
	codes    []returnCode
}

func parseResponse(data []byte) (*response, error) {
	outer, err := parseSegments(data)
	if err != nil {
		return nil, err
	}

	r := &response{}
	for _, s := range outer {
		if s.typ() != "HNVSD" {
			r.segments = append(r.segments, s)
			continue
		}
		inner, err := parseSegments([]byte(s.get(1, 0)))
		if err != nil {
			return nil, fmt.Errorf("parse encrypted payload: %w", err)
		}
		r.segments = append(r.segments, inner...)
	}

	for _, s := range r.segments {
		t := s.typ()
		if t != "HIRMG" && t != "HIRMS" {
			continue
		}
		for _, el := range s.elements[1:] {
			if len(el) == 0 || el[0] == "" {
				continue
			}
			rc := returnCode{Code: el[0], Global: t == "HIRMG"}
			if len(el) > 2 {
				rc.Text = el[2]
			}
			if len(el) > 3 {
				rc.Params = el[3:]
			}
			r.codes = append(r.codes, rc)
		}
	}
	return r, nil
}

func (r *response) find(typ string) (segment, bool) {
	for _, s := range r.segments {
		if s.typ() == typ {
			return s, true
		}
	}
	return segment{}, false
}

func (r *response) findAll(typ string) []segment {
	var out []segment
	for _, s := range r.segments {
		if s.typ() == typ {
			out = append(out, s)
		}
	}
	return out
}

func (r *response) has(code string) bool {
	_, ok := r.code(code)
	return ok
}

func (r *response) code(code string) (returnCode, bool) {
	for _, rc := range r.codes {
		if rc.Code == code {
			return rc, true
		}
	}
	return returnCode{}, false
}

// params collects the parameters of every occurrence of code.
func (r *response) params(code string) []string {
	var out []string
	for _, rc := range r.codes {
		if rc.Code == code {
			out = append(out, rc.Params...)
		}
	}
	return out
}

// failure returns the first error code (9xxx).
func (r *response) failure() (returnCode, bool) {
	for _, rc := range r.codes {
		if strings.HasPrefix(rc.Code, "9") {
			return rc, true
		}
	}
	return returnCode{}, false
}

func (r *response) dialogID() string {
	s, _ := r.find("HNHBK")
	return s.get(3, 0)
}

// dialog is the client half of one FinTS PIN/TAN dialog.
type dialog struct {
	client *kit.Client
	url    string

	bankCode       string
	userID         string
	customerID     string
	pin            string
	productID      string
	productVersion string

	systemID string // "0" until synchronized.
	dialogID string // "0" until the bank assigns one.
	msgNum   int
	secFunc  string // Security function: 999 or the TAN mechanism.

	now func() time.Time
}

func (d *dialog) reset() {
	d.dialogID = "0"
	d.msgNum = 0
}

func (d *dialog) open() bool {
	return d.dialogID != "" && d.dialogID != "0"
}

func (d *dialog) profileVersion() string {
	if d.secFunc == singleStep {
		return "1"
	}
	return "2"
}

// build numbers and frames segments into a signed, envelope-wrapped message.
// tan rides in the signature trailer next to the PIN.
func (d *dialog) build(segments []outSegment, tan string) []byte {
	d.msgNum++
	secRef := strconv.Itoa(1000000 + d.msgNum)
	now := d.now()
	date, clock := now.Format("20060102"), now.Format("150405")

	var inner bytes.Buffer
	n := 2
	inner.Write(newSegment("HNSHK", 4,
		Group{"PIN", d.profileVersion()},
		d.secFunc,
		secRef,
		"1",
		"1",
		Group{"1", nil, d.systemID},
		"1",
		Group{"1", date, clock},
		Group{"1", "999", "1"},
		Group{"6", "10", "16"},
		Group{countryCode, d.bankCode, d.userID, "S", "0", "0"},
	).encode(n))
	for _, s := range segments {
		n++
		inner.Write(s.encode(n))
	}
	auth := Group{d.pin}
	if tan != "" {
		auth = append(auth, tan)
	}
	n++
	inner.Write(newSegment("HNSHA", 2, secRef, nil, auth).encode(n))

	var body bytes.Buffer
	body.Write(newSegment("HNVSK", 3,
		Group{"PIN", d.profileVersion()},
		"998",
		"1",
		Group{"1", nil, d.systemID},
		Group{"1", date, clock},
		Group{"2", "2", "13", Binary("00000000"), "5", "1"},
		Group{countryCode, d.bankCode, d.userID, "V", "0", "0"},
		"0",
	).encode(998))
	body.Write(newSegment("HNVSD", 1, Binary(inner.Bytes())).encode(999))
	body.Write(newSegment("HNHBS", 1, strconv.Itoa(d.msgNum)).encode(n + 1))

	header := func(size int) []byte {
		return newSegment("HNHBK", 3, fmt.Sprintf("%012d", size), hbciVersion, d.dialogID, strconv.Itoa(d.msgNum)).encode(1)
	}
	size := len(header(0)) + body.Len()
	return append(header(size), body.Bytes()...)
}

// send posts one message and parses the reply. A 9xxx return code comes
// back as a classified error alongside the response; a global one also
// ends the dialog on the bank side.
func (d *dialog) send(ctx context.Context, tan string, segments ...outSegment) (*response, error) {
	msg := d.build(segments, tan)
	resp, err := d.client.Do(ctx, kit.Request{
		Method: http.MethodPost,
		Path:   d.url,
		Body:   strings.NewReader(base64.StdEncoding.EncodeToString(msg)),
		Header: http.Header{"Content-Type": {"text/plain; charset=ISO-8859-1"}},
	})
	if err != nil {
		return nil, err
	}
	if err := kit.CheckStatus(resp); err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(string(resp.Body)), ""))
	if err != nil {
		return nil, model.NewSyncError(model.KindProtocol, "decode bank response: %v", err)
	}
	r, err := parseResponse(raw)
	if err != nil {
		return nil, model.NewSyncError(model.KindProtocol, "parse bank response: %v", err)
	}

	if !d.open() {
		if id := r.dialogID(); id != "" {
			d.dialogID = id
		}
	}
	if rc, failed := r.failure(); failed {
		if rc.Global {
			d.reset()
		}
		return r, model.ProtocolError(rc.Code, rc.Text)
	}
	return r, nil
}
