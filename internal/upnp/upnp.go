// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU General Public License as published by the Free
// Software Foundation, either version 3 of the License, or (at your option)
// any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE. See the GNU General Public License for
// more details.
//
// You should have received a copy of the GNU General Public License along
// with this program. If not, see <http://www.gnu.org/licenses/>.

// Adapted from https://github.com/jackpal/Taipei-Torrent/blob/dd88a8bfac6431c01d959ce3c745e74b8a911793/IGD.go
// Copyright (c) 2010 Jack Palevich (https://github.com/jackpal/Taipei-Torrent/blob/dd88a8bfac6431c01d959ce3c745e74b8a911793/LICENSE)

// Package upnp implements InternetGatewayDevice discovery, querying, and
// port mapping, plus NAT-PMP and STUN fallbacks for routers that don't
// speak uPnP.
package upnp

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// IGD is a discovered InternetGatewayDevice and the WAN connection services
// on it that can add or remove port mappings.
type IGD struct {
	uuid           string
	friendlyName   string
	services       []IGDService
	url            *url.URL
	localIPAddress string
}

// IGDService is one WANIPConnection/WANPPPConnection service on an IGD.
type IGDService struct {
	serviceURL string
	serviceURN string
}

type Protocol string

const (
	TCP Protocol = "TCP"
	UDP Protocol = "UDP"
)

// soapFaultNoSuchEntry is the UPnPError/errorCode value a router returns from
// GetGenericPortMappingEntry once the supplied index is past the end of its
// mapping table. It is not a real failure, just "no more entries."
const soapFaultNoSuchEntry = "713"

type upnpService struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

type upnpDevice struct {
	DeviceType   string        `xml:"deviceType"`
	FriendlyName string        `xml:"friendlyName"`
	Devices      []upnpDevice  `xml:"deviceList>device"`
	Services     []upnpService `xml:"serviceList>service"`
}

type upnpRoot struct {
	Device upnpDevice `xml:"device"`
}

// Discover discovers UPnP InternetGatewayDevices within searchTimeout.
// The order in which the devices appear in the result list is not deterministic.
func Discover(searchTimeout time.Duration) []*IGD {
	result := make([]*IGD, 0)
	if debug {
		l.Debugln("upnp: starting discovery")
	}

	timeout := int(searchTimeout.Seconds())
	if timeout < 1 {
		timeout = 1
	}

	// Search for InternetGatewayDevice:2 devices
	result = append(result, discover("urn:schemas-upnp-org:device:InternetGatewayDevice:2", timeout, result)...)

	// Search for InternetGatewayDevice:1 devices. IGD:2 devices that
	// correctly respond to the IGD:1 request as well will not be re-added.
	result = append(result, discover("urn:schemas-upnp-org:device:InternetGatewayDevice:1", timeout, result)...)

	if len(result) > 0 && debug {
		l.Debugln("upnp: discovery result:")
		for _, resultDevice := range result {
			l.Debugln("[" + resultDevice.uuid + "]")
			for _, resultService := range resultDevice.services {
				l.Debugln("* " + resultService.serviceURL)
			}
		}
	}

	return result
}

// Search for UPnP InternetGatewayDevices for <timeout> seconds, ignoring responses from any devices listed in knownDevices.
// The order in which the devices appear in the result list is not deterministic
func discover(deviceType string, timeout int, knownDevices []*IGD) []*IGD {
	ssdp := &net.UDPAddr{IP: []byte{239, 255, 255, 250}, Port: 1900}

	tpl := `M-SEARCH * HTTP/1.1
Host: 239.255.255.250:1900
St: %s
Man: "ssdp:discover"
Mx: %d

`
	searchStr := fmt.Sprintf(tpl, deviceType, timeout)

	search := []byte(strings.Replace(searchStr, "\n", "\r\n", -1))

	if debug {
		l.Debugln("upnp: discovery of device type " + deviceType)
	}

	results := make([]*IGD, 0)
	resultChannel := make(chan *IGD, 8)

	socket, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		l.Infoln(err)
		return results
	}
	defer socket.Close() // Make sure our socket gets closed

	err = socket.SetDeadline(time.Now().Add(time.Duration(timeout) * time.Second))
	if err != nil {
		l.Infoln(err)
		return results
	}

	var resultWaitGroup sync.WaitGroup

	_, err = socket.WriteTo(search, ssdp)
	if err != nil {
		l.Infoln(err)
		return results
	}

	// Listen for responses until a timeout is reached
	for {
		resp := make([]byte, 1500)
		n, _, err := socket.ReadFrom(resp)
		if err != nil {
			if e, ok := err.(net.Error); !ok || !e.Timeout() {
				l.Infoln(err) //legitimate error, not a timeout.
			}

			break
		} else {
			// Process results in a separate go routine so we can immediately return to listening for more responses
			resultWaitGroup.Add(1)
			go handleSearchResponse(deviceType, knownDevices, resp, n, resultChannel, &resultWaitGroup)
		}
	}

	// Wait for all result handlers to finish processing, then close result channel
	resultWaitGroup.Wait()
	close(resultChannel)

	// Collect our results from the result handlers using the result channel
	for result := range resultChannel {
		results = append(results, result)
	}

	return results
}

func handleSearchResponse(deviceType string, knownDevices []*IGD, resp []byte, length int, resultChannel chan<- *IGD, resultWaitGroup *sync.WaitGroup) {
	defer resultWaitGroup.Done() // Signal when we've finished processing

	reader := bufio.NewReader(bytes.NewBuffer(resp[:length]))
	request := &http.Request{}
	response, err := http.ReadResponse(reader, request)
	if err != nil {
		l.Infoln(err)
		return
	}

	respondingDeviceType := response.Header.Get("St")
	if respondingDeviceType != deviceType {
		l.Infoln("Unrecognized UPnP device of type " + respondingDeviceType)
		return
	}

	deviceDescriptionLocation := response.Header.Get("Location")
	if deviceDescriptionLocation == "" {
		l.Infoln("Invalid IGD response: no location specified.")
		return
	}

	deviceDescriptionURL, err := url.Parse(deviceDescriptionLocation)

	if err != nil {
		l.Infoln("Invalid IGD location: " + err.Error())
	}

	deviceUSN := response.Header.Get("USN")
	if deviceUSN == "" {
		l.Infoln("Invalid IGD response: USN not specified.")
		return
	}

	deviceUUID := strings.TrimLeft(strings.Split(deviceUSN, "::")[0], "uuid:")
	matched, err := regexp.MatchString("[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}", deviceUUID)
	if !matched {
		l.Infoln("Invalid IGD response: invalid device UUID " + deviceUUID)
		return
	}

	// Don't re-add devices that are already known
	for _, knownDevice := range knownDevices {
		if deviceUUID == knownDevice.uuid {
			return
		}
	}

	response, err = http.Get(deviceDescriptionLocation)
	if err != nil {
		l.Infoln(err)
		return
	}
	defer response.Body.Close()

	if response.StatusCode >= 400 {
		l.Infoln(errors.New(response.Status))
		return
	}

	var upnpRoot upnpRoot
	err = xml.NewDecoder(response.Body).Decode(&upnpRoot)
	if err != nil {
		l.Infoln(err)
		return
	}

	services, err := getServiceDescriptions(deviceDescriptionLocation, upnpRoot.Device)
	if err != nil {
		l.Infoln(err)
		return
	}

	// Figure out our IP number, on the network used to reach the IGD, by
	// connecting to it and checking the local end of the socket.
	localIPAddress, err := localIP(deviceDescriptionURL)
	if err != nil {
		l.Infoln(err)
		return
	}

	igd := &IGD{
		uuid:           deviceUUID,
		friendlyName:   upnpRoot.Device.FriendlyName,
		url:            deviceDescriptionURL,
		services:       services,
		localIPAddress: localIPAddress,
	}

	resultChannel <- igd
}

func localIP(url *url.URL) (string, error) {
	conn, err := net.Dial("tcp", url.Host)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	localIPAddress, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "", err
	}

	return localIPAddress, nil
}

func getChildDevices(d upnpDevice, deviceType string) []upnpDevice {
	result := make([]upnpDevice, 0)
	for _, dev := range d.Devices {
		if dev.DeviceType == deviceType {
			result = append(result, dev)
		}
	}
	return result
}

func getChildServices(d upnpDevice, serviceType string) []upnpService {
	result := make([]upnpService, 0)
	for _, svc := range d.Services {
		if svc.ServiceType == serviceType {
			result = append(result, svc)
		}
	}
	return result
}

func getServiceDescriptions(rootURL string, device upnpDevice) ([]IGDService, error) {
	result := make([]IGDService, 0)

	if device.DeviceType == "urn:schemas-upnp-org:device:InternetGatewayDevice:1" {
		descriptions := getIGDServices(rootURL, device,
			"urn:schemas-upnp-org:device:WANDevice:1",
			"urn:schemas-upnp-org:device:WANConnectionDevice:1",
			[]string{"urn:schemas-upnp-org:service:WANIPConnection:1", "urn:schemas-upnp-org:service:WANPPPConnection:1"})

		result = append(result, descriptions...)
	} else if device.DeviceType == "urn:schemas-upnp-org:device:InternetGatewayDevice:2" {
		descriptions := getIGDServices(rootURL, device,
			"urn:schemas-upnp-org:device:WANDevice:2",
			"urn:schemas-upnp-org:device:WANConnectionDevice:2",
			[]string{"urn:schemas-upnp-org:service:WANIPConnection:2", "urn:schemas-upnp-org:service:WANPPPConnection:1"})

		result = append(result, descriptions...)
	} else {
		return result, errors.New("[" + rootURL + "] Malformed root device description: not an InternetGatewayDevice.")
	}

	if len(result) < 1 {
		return result, errors.New("[" + rootURL + "] Malformed device description: no compatible service descriptions found.")
	}
	return result, nil
}

func getIGDServices(rootURL string, device upnpDevice, wanDeviceURN string, wanConnectionURN string, serviceURNs []string) []IGDService {
	result := make([]IGDService, 0)

	devices := getChildDevices(device, wanDeviceURN)

	if len(devices) < 1 {
		l.Infoln("[" + rootURL + "] Malformed InternetGatewayDevice description: no WANDevices specified.")
		return result
	}

	for _, device := range devices {
		connections := getChildDevices(device, wanConnectionURN)

		if len(connections) < 1 {
			l.Infoln("[" + rootURL + "] Malformed " + wanDeviceURN + " description: no WANConnectionDevices specified.")
		}

		for _, connection := range connections {
			for _, serviceURN := range serviceURNs {
				services := getChildServices(connection, serviceURN)

				for _, service := range services {
					if len(service.ControlURL) == 0 {
						l.Infoln("[" + rootURL + "] Malformed " + service.ServiceType + " description: no control URL.")
					} else {
						u, _ := url.Parse(rootURL)
						replaceRawPath(u, service.ControlURL)

						service := IGDService{serviceURL: u.String(), serviceURN: service.ServiceType}

						result = append(result, service)
					}
				}
			}
		}
	}

	return result
}

func replaceRawPath(u *url.URL, rp string) {
	var p, q string
	fs := strings.Split(rp, "?")
	p = fs[0]
	if len(fs) > 1 {
		q = fs[1]
	}

	if p[0] == '/' {
		u.Path = p
	} else {
		u.Path += p
	}
	u.RawQuery = q
}

func soapRequest(url, device, function, message string) ([]byte, error) {
	tpl := `	<?xml version="1.0" ?>
	<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
	<s:Body>%s</s:Body>
	</s:Envelope>
`
	var resp []byte

	body := fmt.Sprintf(tpl, message)

	req, err := http.NewRequest("POST", url, strings.NewReader(body))
	if err != nil {
		return resp, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("User-Agent", "meshstore/1.0")
	req.Header.Set("SOAPAction", fmt.Sprintf(`"%s#%s"`, device, function))
	req.Header.Set("Connection", "Close")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	if debug {
		l.Debugln(req.Header.Get("SOAPAction"))
	}

	r, err := http.DefaultClient.Do(req)
	if err != nil {
		return resp, err
	}

	resp, _ = io.ReadAll(r.Body)
	r.Body.Close()

	if r.StatusCode >= 400 {
		return resp, &soapError{function: function, status: r.Status, body: resp}
	}

	return resp, nil
}

// soapError carries the raw SOAP fault body so callers can inspect the
// UPnPError errorCode (e.g. 713, "no such entry in array") without
// re-parsing the HTTP status string.
type soapError struct {
	function string
	status   string
	body     []byte
}

func (e *soapError) Error() string {
	return e.function + ": " + e.status
}

// faultCode extracts the UPnPError errorCode from a SOAP fault body, if
// present.
func (e *soapError) faultCode() string {
	var fault struct {
		Body struct {
			Fault struct {
				Detail struct {
					UPnPError struct {
						ErrorCode string `xml:"errorCode"`
					} `xml:"UPnPError"`
				} `xml:"detail"`
			} `xml:"Fault"`
		} `xml:"Body"`
	}
	if xml.Unmarshal(e.body, &fault) != nil {
		return ""
	}
	return fault.Body.Fault.Detail.UPnPError.ErrorCode
}

// AddPortMapping adds a port mapping to all relevant services on the IGD.
// Port mapping fails and returns an error if the action fails for _any_ of
// the relevant services.
func (n *IGD) AddPortMapping(protocol Protocol, externalPort, internalPort int, description string, leaseSeconds int) error {
	for _, service := range n.services {
		err := service.AddPortMapping(n.localIPAddress, protocol, externalPort, internalPort, description, leaseSeconds)
		if err != nil {
			return err
		}
	}
	return nil
}

// DeletePortMapping removes a port mapping matching (protocol, externalPort,
// description) from all relevant services, but only mappings this process
// itself created: each service is first queried for the existing entry at
// that port, and the delete is skipped if its description doesn't match
// ours. This keeps Gateway.RemoveMapping from ever deleting another application's or
// another meshstore instance's mapping that happens to share a port.
func (n *IGD) DeletePortMapping(protocol Protocol, externalPort int, description string) error {
	for _, service := range n.services {
		existing, err := service.GetSpecificPortMappingEntry(protocol, externalPort)
		if err != nil {
			// No such mapping on this service; nothing to narrow against or
			// remove.
			continue
		}
		if existing.Description != description {
			if debug {
				l.Debugln("upnp: not deleting mapping for port", externalPort, "- description mismatch:", existing.Description, "!=", description)
			}
			continue
		}
		if err := service.DeletePortMapping(protocol, externalPort); err != nil {
			return err
		}
	}
	return nil
}

// ListPortMappings enumerates every generic port mapping entry on the first
// relevant service, iterating GetGenericPortMappingEntry by index until the
// router signals SOAP fault 713 ("no such entry in array", meaning the
// index is past the end of the table) rather than relying on a fixed count.
func (n *IGD) ListPortMappings() ([]PortMappingEntry, error) {
	if len(n.services) == 0 {
		return nil, errors.New("upnp: no WAN connection services")
	}
	return n.services[0].ListPortMappings()
}

// The InternetGatewayDevice's UUID.
func (n *IGD) UUID() string {
	return n.uuid
}

// The InternetGatewayDevice's friendly name.
func (n *IGD) FriendlyName() string {
	return n.friendlyName
}

// The InternetGatewayDevice's friendly identifier (friendly name + IP address).
func (n *IGD) FriendlyIdentifier() string {
	return "'" + n.FriendlyName() + "' (" + strings.Split(n.URL().Host, ":")[0] + ")"
}

// The URL of the InternetGatewayDevice's root device description.
func (n *IGD) URL() *url.URL {
	return n.url
}

type soapGetExternalIPAddressResponseEnvelope struct {
	XMLName xml.Name
	Body    soapGetExternalIPAddressResponseBody `xml:"Body"`
}

type soapGetExternalIPAddressResponseBody struct {
	XMLName                      xml.Name
	GetExternalIPAddressResponse getExternalIPAddressResponse `xml:"GetExternalIPAddressResponse"`
}

type getExternalIPAddressResponse struct {
	NewExternalIPAddress string `xml:"NewExternalIPAddress"`
}

// PortMappingEntry is one row of a WAN connection service's port mapping
// table, as returned by GetGenericPortMappingEntry.
type PortMappingEntry struct {
	ExternalPort int
	InternalPort int
	InternalIP   string
	Protocol     Protocol
	Description  string
	Enabled      bool
}

type soapGenericPortMappingEntryEnvelope struct {
	Body struct {
		Response struct {
			NewRemoteHost             string `xml:"NewRemoteHost"`
			NewExternalPort           int    `xml:"NewExternalPort"`
			NewProtocol               string `xml:"NewProtocol"`
			NewInternalPort           int    `xml:"NewInternalPort"`
			NewInternalClient         string `xml:"NewInternalClient"`
			NewEnabled                int    `xml:"NewEnabled"`
			NewPortMappingDescription string `xml:"NewPortMappingDescription"`
			NewLeaseDuration          int    `xml:"NewLeaseDuration"`
		} `xml:"GetGenericPortMappingEntryResponse"`
	} `xml:"Body"`
}

// Add a port mapping to the specified IGD service.
func (s *IGDService) AddPortMapping(localIPAddress string, protocol Protocol, externalPort, internalPort int, description string, leaseSeconds int) error {
	tpl := `<u:AddPortMapping xmlns:u="%s">
	<NewRemoteHost></NewRemoteHost>
	<NewExternalPort>%d</NewExternalPort>
	<NewProtocol>%s</NewProtocol>
	<NewInternalPort>%d</NewInternalPort>
	<NewInternalClient>%s</NewInternalClient>
	<NewEnabled>1</NewEnabled>
	<NewPortMappingDescription>%s</NewPortMappingDescription>
	<NewLeaseDuration>%d</NewLeaseDuration>
	</u:AddPortMapping>`
	body := fmt.Sprintf(tpl, s.serviceURN, externalPort, protocol, internalPort, localIPAddress, description, leaseSeconds)

	_, err := soapRequest(s.serviceURL, s.serviceURN, "AddPortMapping", body)
	return err
}

// Delete a port mapping from the specified IGD service.
func (s *IGDService) DeletePortMapping(protocol Protocol, externalPort int) error {
	tpl := `<u:DeletePortMapping xmlns:u="%s">
	<NewRemoteHost></NewRemoteHost>
	<NewExternalPort>%d</NewExternalPort>
	<NewProtocol>%s</NewProtocol>
	</u:DeletePortMapping>`
	body := fmt.Sprintf(tpl, s.serviceURN, externalPort, protocol)

	_, err := soapRequest(s.serviceURL, s.serviceURN, "DeletePortMapping", body)
	return err
}

// GetSpecificPortMappingEntry looks up the current mapping for
// (protocol, externalPort), used by DeletePortMapping to confirm a mapping
// is ours before removing it.
func (s *IGDService) GetSpecificPortMappingEntry(protocol Protocol, externalPort int) (PortMappingEntry, error) {
	tpl := `<u:GetSpecificPortMappingEntry xmlns:u="%s">
	<NewRemoteHost></NewRemoteHost>
	<NewExternalPort>%d</NewExternalPort>
	<NewProtocol>%s</NewProtocol>
	</u:GetSpecificPortMappingEntry>`
	body := fmt.Sprintf(tpl, s.serviceURN, externalPort, protocol)

	resp, err := soapRequest(s.serviceURL, s.serviceURN, "GetSpecificPortMappingEntry", body)
	if err != nil {
		return PortMappingEntry{}, err
	}

	var envelope struct {
		Body struct {
			Response struct {
				NewInternalPort           int    `xml:"NewInternalPort"`
				NewInternalClient         string `xml:"NewInternalClient"`
				NewEnabled                int    `xml:"NewEnabled"`
				NewPortMappingDescription string `xml:"NewPortMappingDescription"`
			} `xml:"GetSpecificPortMappingEntryResponse"`
		} `xml:"Body"`
	}
	if err := xml.Unmarshal(resp, &envelope); err != nil {
		return PortMappingEntry{}, err
	}
	r := envelope.Body.Response
	return PortMappingEntry{
		ExternalPort: externalPort,
		InternalPort: r.NewInternalPort,
		InternalIP:   r.NewInternalClient,
		Protocol:     protocol,
		Description:  r.NewPortMappingDescription,
		Enabled:      r.NewEnabled != 0,
	}, nil
}

// ListPortMappings walks the service's port mapping table one index at a
// time via GetGenericPortMappingEntry, stopping when the router reports
// SOAP fault 713 ("no such entry in array") rather than assuming any fixed
// table size.
func (s *IGDService) ListPortMappings() ([]PortMappingEntry, error) {
	var entries []PortMappingEntry
	for i := 0; ; i++ {
		tpl := `<u:GetGenericPortMappingEntry xmlns:u="%s">
		<NewPortMappingIndex>%d</NewPortMappingIndex>
		</u:GetGenericPortMappingEntry>`
		body := fmt.Sprintf(tpl, s.serviceURN, i)

		resp, err := soapRequest(s.serviceURL, s.serviceURN, "GetGenericPortMappingEntry", body)
		if err != nil {
			var se *soapError
			if errors.As(err, &se) && se.faultCode() == soapFaultNoSuchEntry {
				break
			}
			return entries, err
		}

		var envelope soapGenericPortMappingEntryEnvelope
		if err := xml.Unmarshal(resp, &envelope); err != nil {
			return entries, err
		}
		r := envelope.Body.Response
		entries = append(entries, PortMappingEntry{
			ExternalPort: r.NewExternalPort,
			InternalPort: r.NewInternalPort,
			InternalIP:   r.NewInternalClient,
			Protocol:     Protocol(r.NewProtocol),
			Description:  r.NewPortMappingDescription,
			Enabled:      r.NewEnabled != 0,
		})
	}
	return entries, nil
}

// Query the IGD service for its external IP address.
// Returns nil if the external IP address is invalid or undefined, along with any relevant errors
func (s *IGDService) GetExternalIPAddress() (net.IP, error) {
	tpl := `<u:GetExternalIPAddress xmlns:u="%s" />`

	body := fmt.Sprintf(tpl, s.serviceURN)

	response, err := soapRequest(s.serviceURL, s.serviceURN, "GetExternalIPAddress", body)
	if err != nil {
		return nil, err
	}

	envelope := &soapGetExternalIPAddressResponseEnvelope{}
	if err := xml.Unmarshal(response, envelope); err != nil {
		return nil, err
	}

	return net.ParseIP(envelope.Body.GetExternalIPAddressResponse.NewExternalIPAddress), nil
}
