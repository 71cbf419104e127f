package ptz

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/harbour.watch/internal/httputil"
	"github.com/banshee-data/harbour.watch/internal/timeutil"
)

const profilesResponse = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://www.w3.org/2003/05/soap-envelope" xmlns:trt="http://www.onvif.org/ver10/media/wsdl">
<SOAP-ENV:Body><trt:GetProfilesResponse>
<trt:Profiles token="Profile_1" fixed="true"><tt:Name>mainStream</tt:Name></trt:Profiles>
<trt:Profiles token="Profile_2" fixed="true"><tt:Name>subStream</tt:Name></trt:Profiles>
</trt:GetProfilesResponse></SOAP-ENV:Body></SOAP-ENV:Envelope>`

const statusResponse = `<?xml version="1.0" encoding="UTF-8"?>
<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope" xmlns:tptz="http://www.onvif.org/ver20/ptz/wsdl" xmlns:tt="http://www.onvif.org/ver10/schema">
<env:Body><tptz:GetStatusResponse><tptz:PTZStatus>
<tt:Position><tt:PanTilt x="0.25" y="-0.5" space="http://www.onvif.org/ver10/tptz/PanTiltSpaces/PositionGenericSpace"/><tt:Zoom x="0.75"/></tt:Position>
<tt:MoveStatus><tt:PanTilt>IDLE</tt:PanTilt></tt:MoveStatus>
</tptz:PTZStatus></tptz:GetStatusResponse></env:Body></env:Envelope>`

const faultResponse = `<?xml version="1.0" encoding="UTF-8"?>
<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope" xmlns:ter="http://www.onvif.org/ver10/error">
<env:Body><env:Fault><env:Code><env:Value>env:Sender</env:Value><env:Subcode><env:Value>ter:NotAuthorized</env:Value></env:Subcode></env:Code>
<env:Reason><env:Text xml:lang="en">Sender not Authorized</env:Text></env:Reason></env:Fault></env:Body></env:Envelope>`

func cameraHandler(req httputil.RecordedRequest) (int, string, error) {
	switch {
	case strings.Contains(req.Body, "GetProfiles"):
		return http.StatusOK, profilesResponse, nil
	case strings.Contains(req.Body, "GetStatus"):
		return http.StatusOK, statusResponse, nil
	default:
		return http.StatusOK, "", nil
	}
}

func newONVIF(t *testing.T, handler func(httputil.RecordedRequest) (int, string, error)) (*ONVIFActuator, *httputil.MockHTTPClient) {
	t.Helper()
	client := &httputil.MockHTTPClient{Handler: handler}
	a := NewONVIFActuator(
		ConnectionInfo{IP: "192.168.1.64", Port: 8000, Username: "admin", Password: "s3cret"},
		WithHTTPClient(client),
		WithClock(timeutil.NewMockClock(t0)),
	)
	return a, client
}

func TestONVIF_ConnectResolvesProfile(t *testing.T) {
	t.Parallel()
	a, client := newONVIF(t, cameraHandler)
	ctx := context.Background()

	assert.ErrorIs(t, a.Stop(ctx), ErrNotConnected)
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.ContinuousMove(ctx, 0.5, -2, 0))

	reqs := client.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "http://192.168.1.64:8000/onvif/media_service", reqs[0].URL)
	assert.Equal(t, "http://192.168.1.64:8000/onvif/ptz_service", reqs[1].URL)
	assert.Contains(t, reqs[1].Header.Get("Content-Type"), "application/soap+xml")
	assert.Contains(t, reqs[1].Body, "<tptz:ProfileToken>Profile_1</tptz:ProfileToken>")
	assert.Contains(t, reqs[1].Body, `<tt:PanTilt x="0.5000" y="-1.0000"/>`)
}

func TestONVIF_SecurityHeaderDigest(t *testing.T) {
	t.Parallel()
	a, client := newONVIF(t, cameraHandler)
	require.NoError(t, a.Connect(context.Background()))

	body := client.Requests()[0].Body
	get := func(pattern string) string {
		m := regexp.MustCompile(pattern).FindStringSubmatch(body)
		require.Len(t, m, 2, pattern)
		return m[1]
	}
	nonceB64 := get(`<wsse:Nonce>([^<]+)</wsse:Nonce>`)
	created := get(`<wsu:Created>([^<]+)</wsu:Created>`)
	digest := get(`<wsse:Password Type="[^"]+">([^<]+)</wsse:Password>`)

	assert.Equal(t, "2026-03-01T12:00:00Z", created)
	nonce, err := base64.StdEncoding.DecodeString(nonceB64)
	require.NoError(t, err)
	assert.Len(t, nonce, 16)
	assert.Equal(t, PasswordDigest(nonce, created, "s3cret"), digest)
	assert.NotContains(t, body, "s3cret")
}

func TestONVIF_PositionAndMoves(t *testing.T) {
	t.Parallel()
	a, client := newONVIF(t, cameraHandler)
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))

	p, err := a.Position(ctx)
	require.NoError(t, err)
	assert.Equal(t, Pose{Pan: 0.25, Tilt: -0.5, Zoom: 0.75}, p)

	require.NoError(t, a.AbsoluteMove(ctx, Pose{Pan: 0.1, Tilt: 0.2, Zoom: 1.5}))
	require.NoError(t, a.Stop(ctx))

	reqs := client.Requests()
	assert.Contains(t, reqs[2].Body, `<tptz:Position><tt:PanTilt x="0.1000" y="0.2000"/><tt:Zoom x="1.0000"/></tptz:Position>`)
	assert.Contains(t, reqs[3].Body, "<tptz:Stop>")
}

func TestONVIF_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	a, _ := newONVIF(t, func(httputil.RecordedRequest) (int, string, error) {
		return http.StatusBadRequest, faultResponse, nil
	})
	err := a.Connect(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ter:NotAuthorized: Sender not Authorized")

	a, _ = newONVIF(t, func(httputil.RecordedRequest) (int, string, error) {
		return 0, "", errors.New("connection refused")
	})
	assert.ErrorContains(t, a.Connect(ctx), "connection refused")

	a, _ = newONVIF(t, func(httputil.RecordedRequest) (int, string, error) {
		return http.StatusOK, `<Envelope><Body><GetProfilesResponse/></Body></Envelope>`, nil
	})
	assert.ErrorContains(t, a.Connect(ctx), "no media profiles")

	a, _ = newONVIF(t, cameraHandler)
	a.caps.AbsoluteMove = false
	assert.ErrorIs(t, a.AbsoluteMove(ctx, Pose{}), ErrUnsupported)
}

func TestONVIF_PresetProfileProbesPTZService(t *testing.T) {
	t.Parallel()
	client := &httputil.MockHTTPClient{Handler: cameraHandler}
	a := NewONVIFActuator(ConnectionInfo{IP: "10.0.0.2", Port: 80, ProfileToken: "main"}, WithHTTPClient(client))
	require.NoError(t, a.Connect(context.Background()))
	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].Body, "GetStatus")
	assert.NotContains(t, reqs[0].Body, "wsse:Security", "no credentials, no security header")
}

func TestONVIFFactory_ValidatesConnection(t *testing.T) {
	t.Parallel()
	_, err := ONVIFFactory()(ConnectionInfo{IP: "10.0.0.2"})
	assert.Error(t, err)
	act, err := ONVIFFactory()(ConnectionInfo{IP: "10.0.0.2", Port: 80})
	require.NoError(t, err)
	assert.True(t, act.Capabilities().AbsoluteMove)
}
