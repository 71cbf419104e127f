package ptz

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/banshee-data/harbour.watch/internal/httputil"
	"github.com/banshee-data/harbour.watch/internal/monitoring"
	"github.com/banshee-data/harbour.watch/internal/timeutil"
)

const (
	onvifMediaPath = "/onvif/media_service"
	onvifPTZPath   = "/onvif/ptz_service"
	soapEnvelopeNS = "http://www.w3.org/2003/05/soap-envelope"
	wsseNS         = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	wsuNS          = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	digestType     = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest"
	mediaNS        = "http://www.onvif.org/ver10/media/wsdl"
	ptzNS          = "http://www.onvif.org/ver20/ptz/wsdl"
	schemaNS       = "http://www.onvif.org/ver10/schema"
)

// ONVIFActuator drives a camera through the ONVIF PTZ service. It speaks
// only the handful of operations the controller uses.
type ONVIFActuator struct {
	info     ConnectionInfo
	client   httputil.HTTPClient
	clock    timeutil.Clock
	caps     Capabilities
	baseURL  string
	nonceSrc io.Reader

	mu      sync.Mutex
	profile string
}

// ONVIFOption configures an ONVIFActuator.
type ONVIFOption func(*ONVIFActuator)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c httputil.HTTPClient) ONVIFOption {
	return func(a *ONVIFActuator) { a.client = c }
}

// WithClock replaces the clock used for WS-Security timestamps.
func WithClock(c timeutil.Clock) ONVIFOption {
	return func(a *ONVIFActuator) { a.clock = c }
}

// WithAbsoluteMove declares whether the camera accepts AbsoluteMove.
func WithAbsoluteMove(ok bool) ONVIFOption {
	return func(a *ONVIFActuator) { a.caps.AbsoluteMove = ok }
}

// NewONVIFActuator returns an actuator for info. No network traffic happens
// until Connect.
func NewONVIFActuator(info ConnectionInfo, opts ...ONVIFOption) *ONVIFActuator {
	a := &ONVIFActuator{
		info:     info,
		client:   httputil.NewClient(0),
		clock:    timeutil.RealClock{},
		caps:     Capabilities{AbsoluteMove: true, PositionFeed: true},
		baseURL:  "http://" + info.IP + ":" + strconv.Itoa(info.Port),
		nonceSrc: rand.Reader,
		profile:  info.ProfileToken,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// ONVIFFactory returns a Factory building ONVIF actuators with opts.
func ONVIFFactory(opts ...ONVIFOption) Factory {
	return func(info ConnectionInfo) (Actuator, error) {
		if err := info.Validate(); err != nil {
			return nil, err
		}
		return NewONVIFActuator(info, opts...), nil
	}
}

func (a *ONVIFActuator) Capabilities() Capabilities { return a.caps }

// Connect resolves the media profile token, which every PTZ call needs.
func (a *ONVIFActuator) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.profile != "" {
		// Probe the PTZ service so a wrong address fails here.
		var resp statusEnvelope
		return a.call(ctx, onvifPTZPath, fmt.Sprintf(`<tptz:GetStatus><tptz:ProfileToken>%s</tptz:ProfileToken></tptz:GetStatus>`, xmlEscape(a.profile)), &resp)
	}
	var resp profilesEnvelope
	if err := a.call(ctx, onvifMediaPath, `<trt:GetProfiles/>`, &resp); err != nil {
		return fmt.Errorf("get profiles: %w", err)
	}
	if len(resp.Body.Response.Profiles) == 0 || resp.Body.Response.Profiles[0].Token == "" {
		return fmt.Errorf("camera %s reported no media profiles", a.info.IP)
	}
	a.profile = resp.Body.Response.Profiles[0].Token
	monitoring.Logf("[onvif %s] using profile %q", a.info.IP, a.profile)
	return nil
}

func (a *ONVIFActuator) token() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.profile == "" {
		return "", ErrNotConnected
	}
	return xmlEscape(a.profile), nil
}

func (a *ONVIFActuator) ContinuousMove(ctx context.Context, pan, tilt, zoom float64) error {
	tok, err := a.token()
	if err != nil {
		return err
	}
	body := fmt.Sprintf(`<tptz:ContinuousMove><tptz:ProfileToken>%s</tptz:ProfileToken><tptz:Velocity><tt:PanTilt x="%s" y="%s"/><tt:Zoom x="%s"/></tptz:Velocity></tptz:ContinuousMove>`,
		tok, ftoa(clamp(pan, -1, 1)), ftoa(clamp(tilt, -1, 1)), ftoa(clamp(zoom, -1, 1)))
	return a.call(ctx, onvifPTZPath, body, nil)
}

func (a *ONVIFActuator) AbsoluteMove(ctx context.Context, p Pose) error {
	if !a.caps.AbsoluteMove {
		return ErrUnsupported
	}
	tok, err := a.token()
	if err != nil {
		return err
	}
	p = p.Clamp()
	body := fmt.Sprintf(`<tptz:AbsoluteMove><tptz:ProfileToken>%s</tptz:ProfileToken><tptz:Position><tt:PanTilt x="%s" y="%s"/><tt:Zoom x="%s"/></tptz:Position></tptz:AbsoluteMove>`,
		tok, ftoa(p.Pan), ftoa(p.Tilt), ftoa(p.Zoom))
	return a.call(ctx, onvifPTZPath, body, nil)
}

func (a *ONVIFActuator) Stop(ctx context.Context) error {
	tok, err := a.token()
	if err != nil {
		return err
	}
	body := fmt.Sprintf(`<tptz:Stop><tptz:ProfileToken>%s</tptz:ProfileToken><tptz:PanTilt>true</tptz:PanTilt><tptz:Zoom>true</tptz:Zoom></tptz:Stop>`, tok)
	return a.call(ctx, onvifPTZPath, body, nil)
}

func (a *ONVIFActuator) Position(ctx context.Context) (Pose, error) {
	tok, err := a.token()
	if err != nil {
		return Pose{}, err
	}
	var resp statusEnvelope
	body := fmt.Sprintf(`<tptz:GetStatus><tptz:ProfileToken>%s</tptz:ProfileToken></tptz:GetStatus>`, tok)
	if err := a.call(ctx, onvifPTZPath, body, &resp); err != nil {
		return Pose{}, err
	}
	pos := resp.Body.Response.Status.Position
	return Pose{Pan: pos.PanTilt.X, Tilt: pos.PanTilt.Y, Zoom: pos.Zoom.X}, nil
}

// Close forgets the profile; ONVIF is stateless over HTTP.
func (a *ONVIFActuator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profile = ""
	return nil
}

// call posts one SOAP request and decodes the response into out when it is
// non-nil. SOAP faults become errors.
func (a *ONVIFActuator) call(ctx context.Context, path, body string, out interface{}) error {
	header, err := a.securityHeader()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<?xml version="1.0" encoding="UTF-8"?>`+
		`<s:Envelope xmlns:s="%s" xmlns:trt="%s" xmlns:tptz="%s" xmlns:tt="%s">`+
		`<s:Header>%s</s:Header><s:Body>%s</s:Body></s:Envelope>`,
		soapEnvelopeNS, mediaNS, ptzNS, schemaNS, header, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", `application/soap+xml; charset=utf-8`)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("onvif %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("onvif %s: read response: %w", path, err)
	}

	var fault faultEnvelope
	if xml.Unmarshal(data, &fault) == nil && fault.Body.Fault != nil {
		return fmt.Errorf("onvif %s: fault: %s", path, fault.Body.Fault.message())
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("onvif %s: %s", path, resp.Status)
	}
	if out != nil {
		if err := xml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("onvif %s: decode response: %w", path, err)
		}
	}
	return nil
}

// securityHeader builds a WS-Security UsernameToken with a password digest:
// base64(sha1(nonce + created + password)).
func (a *ONVIFActuator) securityHeader() (string, error) {
	if a.info.Username == "" {
		return "", nil
	}
	nonce := make([]byte, 16)
	if _, err := io.ReadFull(a.nonceSrc, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	created := a.clock.Now().UTC().Format("2006-01-02T15:04:05Z")
	return fmt.Sprintf(`<wsse:Security s:mustUnderstand="1" xmlns:wsse="%s" xmlns:wsu="%s">`+
		`<wsse:UsernameToken><wsse:Username>%s</wsse:Username>`+
		`<wsse:Password Type="%s">%s</wsse:Password>`+
		`<wsse:Nonce>%s</wsse:Nonce><wsu:Created>%s</wsu:Created>`+
		`</wsse:UsernameToken></wsse:Security>`,
		wsseNS, wsuNS, xmlEscape(a.info.Username), digestType,
		PasswordDigest(nonce, created, a.info.Password),
		base64.StdEncoding.EncodeToString(nonce), created), nil
}

// PasswordDigest computes the WS-Security UsernameToken digest.
func PasswordDigest(nonce []byte, created, password string) string {
	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// Response shapes. encoding/xml matches on local names, so the vendor's
// namespace prefixes do not matter.

type profilesEnvelope struct {
	Body struct {
		Response struct {
			Profiles []struct {
				Token string `xml:"token,attr"`
			} `xml:"Profiles"`
		} `xml:"GetProfilesResponse"`
	} `xml:"Body"`
}

type vector struct {
	X float64 `xml:"x,attr"`
	Y float64 `xml:"y,attr"`
}

type statusEnvelope struct {
	Body struct {
		Response struct {
			Status struct {
				Position struct {
					PanTilt vector `xml:"PanTilt"`
					Zoom    vector `xml:"Zoom"`
				} `xml:"Position"`
			} `xml:"PTZStatus"`
		} `xml:"GetStatusResponse"`
	} `xml:"Body"`
}

type soapFault struct {
	Reason string `xml:"Reason>Text"`
	Code   string `xml:"Code>Subcode>Value"`
}

func (f *soapFault) message() string {
	switch {
	case f.Reason != "" && f.Code != "":
		return f.Code + ": " + f.Reason
	case f.Reason != "":
		return f.Reason
	default:
		return f.Code
	}
}

type faultEnvelope struct {
	Body struct {
		Fault *soapFault `xml:"Fault"`
	} `xml:"Body"`
}
