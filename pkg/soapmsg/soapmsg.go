// Package soapmsg builds and parses the ebXML SOAP envelope spec §6
// "SOAP template shape" describes, and the small ack/error bodies that
// ride inside it. It consumes encoding/xml with struct tags the same
// way pkg/envelope's parse.go does for the crypto envelope — a
// document-specific decode, not a reusable XML DOM (spec §1
// Non-goals).
package soapmsg

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Header carries the ebXML MessageHeader fields spec §6 names:
// "eb:From/eb:PartyId, eb:To/eb:PartyId, eb:CPAId, eb:ConversationId,
// eb:Service, eb:Action, eb:MessageData/{eb:MessageId, eb:Timestamp}".
type Header struct {
	FromPartyId     string
	ToPartyId       string
	CPAId           string
	ConversationId  string
	Service         string
	Action          string
	MessageId       string
	Timestamp       string
}

// Manifest carries the body's Reference and DatabaseInfo fields.
type Manifest struct {
	Href             string // xlink:href, e.g. "cid:payload@org"
	MessageId        string
	MessageRecipient string
	RecordId         string
	Arguments        string
}

// Ack carries the Acknowledgment fields added to an ack reply.
type Ack struct {
	Timestamp      string
	RefToMessageId string
}

// Response is the small <response><msh_response>...</msh_response></response>
// body spec §4.4 step 10 describes.
type Response struct {
	Status  string
	Error   string
	AppData string
}

// MessageError carries spec §4.8 step 7's "eb:MessageError" fields.
type MessageError struct {
	ErrorCode string
	Message   string
}

// Message is the logical content of one ebXML envelope: a header plus a
// Manifest (request), an Ack usually paired with a Response
// (acknowledgment), or an Error (failure reply). No-body pings omit
// Manifest entirely.
type Message struct {
	Header   Header
	Manifest *Manifest
	Ack      *Ack
	Response *Response
	Error    *MessageError
}

// Render produces the fixed SOAP envelope document.
func (m Message) Render() string {
	var body strings.Builder
	body.WriteString("<soap-env:Body>\n")

	if m.Manifest != nil {
		fmt.Fprintf(&body, `<eb:Manifest><eb:Reference xlink:href="%s"/></eb:Manifest>`+"\n", xmlEscape(m.Manifest.Href))
		fmt.Fprintf(&body, "<MetaData><DatabaseInfo><MessageId>%s</MessageId><MessageRecipient>%s</MessageRecipient><RecordId>%s</RecordId><Arguments>%s</Arguments></DatabaseInfo></MetaData>\n",
			xmlEscape(m.Manifest.MessageId), xmlEscape(m.Manifest.MessageRecipient), xmlEscape(m.Manifest.RecordId), xmlEscape(m.Manifest.Arguments))
	}

	if m.Response != nil {
		fmt.Fprintf(&body, "<response><msh_response><status>%s</status><error>%s</error><appdata>%s</appdata></msh_response></response>\n",
			xmlEscape(m.Response.Status), xmlEscape(m.Response.Error), xmlEscape(m.Response.AppData))
	}

	if m.Error != nil {
		fmt.Fprintf(&body, `<eb:MessageError><eb:errorCode>%s</eb:errorCode><eb:Description>%s</eb:Description></eb:MessageError>`+"\n",
			xmlEscape(m.Error.ErrorCode), xmlEscape(m.Error.Message))
	}

	body.WriteString("</soap-env:Body>")

	ack := ""
	if m.Ack != nil {
		ack = fmt.Sprintf(`<eb:Acknowledgment><eb:Timestamp>%s</eb:Timestamp><eb:RefToMessageId>%s</eb:RefToMessageId></eb:Acknowledgment>`,
			xmlEscape(m.Ack.Timestamp), xmlEscape(m.Ack.RefToMessageId))
	}

	return fmt.Sprintf(envelopeTemplate,
		xmlEscape(m.Header.FromPartyId), xmlEscape(m.Header.ToPartyId), xmlEscape(m.Header.CPAId),
		xmlEscape(m.Header.ConversationId), xmlEscape(m.Header.Service), xmlEscape(m.Header.Action),
		xmlEscape(m.Header.MessageId), xmlEscape(m.Header.Timestamp), ack, body.String())
}

const envelopeTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<soap-env:Envelope xmlns:soap-env="http://schemas.xmlsoap.org/soap/envelope/" xmlns:eb="http://www.oasis-open.org/committees/ebxml-msg/schema/msg-header-2_0.xsd" xmlns:xlink="http://www.w3.org/1999/xlink">
<soap-env:Header>
<eb:MessageHeader eb:version="2.0" soap-env:mustUnderstand="1">
<eb:From><eb:PartyId>%s</eb:PartyId></eb:From>
<eb:To><eb:PartyId>%s</eb:PartyId></eb:To>
<eb:CPAId>%s</eb:CPAId>
<eb:ConversationId>%s</eb:ConversationId>
<eb:Service>%s</eb:Service>
<eb:Action>%s</eb:Action>
<eb:MessageData><eb:MessageId>%s</eb:MessageId><eb:Timestamp>%s</eb:Timestamp></eb:MessageData>
</eb:MessageHeader>
%s
</soap-env:Header>
%s
</soap-env:Envelope>`

// wireMessage mirrors the envelope's element nesting for decoding via
// encoding/xml, the same document-specific approach pkg/envelope's
// parse.go uses.
type wireMessage struct {
	XMLName xml.Name `xml:"Envelope"`
	Header  struct {
		MessageHeader struct {
			From struct {
				PartyId string `xml:"PartyId"`
			} `xml:"From"`
			To struct {
				PartyId string `xml:"PartyId"`
			} `xml:"To"`
			CPAId          string `xml:"CPAId"`
			ConversationId string `xml:"ConversationId"`
			Service        string `xml:"Service"`
			Action         string `xml:"Action"`
			MessageData    struct {
				MessageId string `xml:"MessageId"`
				Timestamp string `xml:"Timestamp"`
			} `xml:"MessageData"`
		} `xml:"MessageHeader"`
		Acknowledgment struct {
			Timestamp      string `xml:"Timestamp"`
			RefToMessageId string `xml:"RefToMessageId"`
		} `xml:"Acknowledgment"`
	} `xml:"Header"`
	Body struct {
		Manifest struct {
			Reference struct {
				Href string `xml:"href,attr"`
			} `xml:"Reference"`
		} `xml:"Manifest"`
		MetaData struct {
			DatabaseInfo struct {
				MessageId        string `xml:"MessageId"`
				MessageRecipient string `xml:"MessageRecipient"`
				RecordId         string `xml:"RecordId"`
				Arguments        string `xml:"Arguments"`
			} `xml:"DatabaseInfo"`
		} `xml:"MetaData"`
		Response struct {
			MshResponse struct {
				Status  string `xml:"status"`
				Error   string `xml:"error"`
				AppData string `xml:"appdata"`
			} `xml:"msh_response"`
		} `xml:"response"`
		MessageError struct {
			ErrorCode   string `xml:"errorCode"`
			Description string `xml:"Description"`
		} `xml:"MessageError"`
	} `xml:"Body"`
}

// Parse decodes a SOAP envelope document into a Message.
func Parse(doc []byte) (*Message, error) {
	var w wireMessage
	if err := xml.Unmarshal(doc, &w); err != nil {
		return nil, fmt.Errorf("soapmsg: parse xml: %w", err)
	}

	msg := &Message{
		Header: Header{
			FromPartyId:    w.Header.MessageHeader.From.PartyId,
			ToPartyId:      w.Header.MessageHeader.To.PartyId,
			CPAId:          w.Header.MessageHeader.CPAId,
			ConversationId: w.Header.MessageHeader.ConversationId,
			Service:        w.Header.MessageHeader.Service,
			Action:         w.Header.MessageHeader.Action,
			MessageId:      w.Header.MessageHeader.MessageData.MessageId,
			Timestamp:      w.Header.MessageHeader.MessageData.Timestamp,
		},
	}

	if w.Header.Acknowledgment.RefToMessageId != "" {
		msg.Ack = &Ack{
			Timestamp:      w.Header.Acknowledgment.Timestamp,
			RefToMessageId: w.Header.Acknowledgment.RefToMessageId,
		}
	}

	if w.Body.Manifest.Reference.Href != "" {
		msg.Manifest = &Manifest{
			Href:             w.Body.Manifest.Reference.Href,
			MessageId:        w.Body.MetaData.DatabaseInfo.MessageId,
			MessageRecipient: w.Body.MetaData.DatabaseInfo.MessageRecipient,
			RecordId:         w.Body.MetaData.DatabaseInfo.RecordId,
			Arguments:        w.Body.MetaData.DatabaseInfo.Arguments,
		}
	}

	if w.Body.Response.MshResponse.Status != "" {
		msg.Response = &Response{
			Status:  w.Body.Response.MshResponse.Status,
			Error:   w.Body.Response.MshResponse.Error,
			AppData: w.Body.Response.MshResponse.AppData,
		}
	}

	if w.Body.MessageError.ErrorCode != "" {
		msg.Error = &MessageError{
			ErrorCode: w.Body.MessageError.ErrorCode,
			Message:   w.Body.MessageError.Description,
		}
	}

	return msg, nil
}

func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
