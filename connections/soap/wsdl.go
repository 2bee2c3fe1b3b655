// Copyright 2025 Datalink
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package soap

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// wsdlDefinitions is the subset of WSDL 1.1 needed to route operations:
// port types for the operation lists, bindings to tie a port to its
// operations, and services for the endpoint addresses.
type wsdlDefinitions struct {
	XMLName         xml.Name       `xml:"definitions"`
	TargetNamespace string         `xml:"targetNamespace,attr"`
	PortTypes       []wsdlPortType `xml:"portType"`
	Bindings        []wsdlBinding  `xml:"binding"`
	Services        []wsdlService  `xml:"service"`
}

type wsdlPortType struct {
	Name       string          `xml:"name,attr"`
	Operations []wsdlOperation `xml:"operation"`
}

type wsdlOperation struct {
	Name string `xml:"name,attr"`
}

type wsdlBinding struct {
	Name       string          `xml:"name,attr"`
	Type       string          `xml:"type,attr"`
	Operations []wsdlBindingOp `xml:"operation"`
}

type wsdlBindingOp struct {
	Name       string         `xml:"name,attr"`
	SoapAction wsdlSoapAction `xml:"operation"`
}

type wsdlSoapAction struct {
	SoapAction string `xml:"soapAction,attr"`
}

type wsdlService struct {
	Name  string     `xml:"name,attr"`
	Ports []wsdlPort `xml:"port"`
}

type wsdlPort struct {
	Name    string      `xml:"name,attr"`
	Binding string      `xml:"binding,attr"`
	Address wsdlAddress `xml:"address"`
}

type wsdlAddress struct {
	Location string `xml:"location,attr"`
}

// Endpoint is one addressable port: a service/port pair with its
// operation names and SOAP actions.
type Endpoint struct {
	Service    string
	Port       string
	Address    string
	Operations []string
	// Actions maps operation name to its soapAction, when declared.
	Actions map[string]string
}

// Service groups the endpoints declared for one WSDL service, in
// declaration order.
type Service struct {
	Name  string
	Ports []*Endpoint
}

// Catalog is the routing index built from one WSDL document. Services
// keep their WSDL declaration order so the first declared port is a
// stable default.
type Catalog struct {
	TargetNamespace string
	Services        []*Service
}

// parseWSDL builds the catalog from raw WSDL XML.
func parseWSDL(raw []byte) (*Catalog, error) {
	var defs wsdlDefinitions
	if err := xml.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("invalid WSDL document: %w", err)
	}
	if len(defs.Services) == 0 {
		return nil, fmt.Errorf("WSDL document declares no services")
	}

	portTypeOps := make(map[string][]string)
	for _, pt := range defs.PortTypes {
		ops := make([]string, 0, len(pt.Operations))
		for _, op := range pt.Operations {
			ops = append(ops, op.Name)
		}
		portTypeOps[pt.Name] = ops
	}

	bindingOps := make(map[string][]string)
	bindingActions := make(map[string]map[string]string)
	bindingType := make(map[string]string)
	for _, b := range defs.Bindings {
		ops := make([]string, 0, len(b.Operations))
		actions := make(map[string]string)
		for _, op := range b.Operations {
			ops = append(ops, op.Name)
			if op.SoapAction.SoapAction != "" {
				actions[op.Name] = op.SoapAction.SoapAction
			}
		}
		bindingOps[b.Name] = ops
		bindingActions[b.Name] = actions
		bindingType[b.Name] = localName(b.Type)
	}

	catalog := &Catalog{TargetNamespace: defs.TargetNamespace}
	for _, svc := range defs.Services {
		entry := &Service{Name: svc.Name}
		for _, port := range svc.Ports {
			binding := localName(port.Binding)
			ops := bindingOps[binding]
			if len(ops) == 0 {
				ops = portTypeOps[bindingType[binding]]
			}
			entry.Ports = append(entry.Ports, &Endpoint{
				Service:    svc.Name,
				Port:       port.Name,
				Address:    port.Address.Location,
				Operations: ops,
				Actions:    bindingActions[binding],
			})
		}
		catalog.Services = append(catalog.Services, entry)
	}
	return catalog, nil
}

// Resolve picks the endpoint for a service/port pair. An empty service
// selector is allowed only when the WSDL declares a single service; an
// empty port selector falls back to the service's first declared port.
func (c *Catalog) Resolve(service, port string) (*Endpoint, error) {
	svc, err := c.service(service)
	if err != nil {
		return nil, err
	}
	if len(svc.Ports) == 0 {
		return nil, fmt.Errorf("service %q declares no ports", svc.Name)
	}

	if port == "" {
		return svc.Ports[0], nil
	}
	for _, ep := range svc.Ports {
		if ep.Port == port {
			return ep, nil
		}
	}
	return nil, fmt.Errorf("unknown port %q (available: %s)", port, joinKeys(portNames(svc)))
}

func (c *Catalog) service(name string) (*Service, error) {
	if name == "" {
		if len(c.Services) > 1 {
			return nil, fmt.Errorf("WSDL declares %d services (%s); a service must be named", len(c.Services), joinKeys(serviceNames(c)))
		}
		if len(c.Services) == 0 {
			return nil, fmt.Errorf("WSDL declares no services")
		}
		return c.Services[0], nil
	}
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, nil
		}
	}
	return nil, fmt.Errorf("unknown service %q (available: %s)", name, joinKeys(serviceNames(c)))
}

// HasOperation reports whether the endpoint declares the operation.
// Endpoints with no declared operation list accept anything.
func (e *Endpoint) HasOperation(name string) bool {
	if len(e.Operations) == 0 {
		return true
	}
	for _, op := range e.Operations {
		if op == name {
			return true
		}
	}
	return false
}

func localName(qname string) string {
	if i := strings.LastIndex(qname, ":"); i >= 0 {
		return qname[i+1:]
	}
	return qname
}

func serviceNames(c *Catalog) []string {
	names := make([]string, 0, len(c.Services))
	for _, svc := range c.Services {
		names = append(names, svc.Name)
	}
	return names
}

func portNames(svc *Service) []string {
	names := make([]string, 0, len(svc.Ports))
	for _, ep := range svc.Ports {
		names = append(names, ep.Port)
	}
	return names
}

func joinKeys(names []string) string {
	return strings.Join(names, ", ")
}
