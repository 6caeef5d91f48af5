// Package inbound implements InboundHandler: classification and handling
// of deliver_sm PDUs arriving on a bound session, per spec.md §4.5.
package inbound

import (
	"context"
	"strings"

	"github.com/fiorix/go-smpp/smpp/pdu"
	"github.com/fiorix/go-smpp/smpp/pdu/pdufield"
	"github.com/rs/zerolog/log"

	"github.com/flowcatalyst/risk-sms/internal/metrics"
	"github.com/flowcatalyst/risk-sms/internal/store"
)

// esmClassDeliveryReceipt is the bit (0x04) that marks a deliver_sm PDU as
// a delivery receipt rather than a mobile-originated message.
const esmClassDeliveryReceipt = 0x04

// Handler classifies and routes inbound deliver_sm PDUs for one configured
// service. A delivery receipt is parsed and logged only -- it never
// updates an outbound message row (see DESIGN.md, Open Question: DLR
// handling). A mobile-originated message is persisted via MessageStore.
type Handler struct {
	ServiceName string
	Store       store.MessageStore
}

// NewHandler constructs a Handler bound to one service's store.
func NewHandler(serviceName string, s store.MessageStore) *Handler {
	return &Handler{ServiceName: serviceName, Store: s}
}

// Handle is wired as the session's InboundHandler. It never returns an
// error: go-smpp's Transceiver already answers deliver_sm with a positive
// DeliverSMResp regardless of what the handler does (see the vendored
// handlePDU in fiorix/go-smpp), so Handle's only job is classification,
// persistence, and logging.
func (h *Handler) Handle(p pdu.Body) {
	if p == nil || p.Header().ID != pdu.DeliverSMID {
		return
	}

	fields := p.Fields()
	esmClass := fieldByte(fields, pdufield.ESMClass)

	if esmClass&esmClassDeliveryReceipt != 0 {
		h.handleDeliveryReceipt(fields)
		return
	}
	h.handleMobileOriginated(fields)
}

func (h *Handler) handleDeliveryReceipt(fields pdufield.Map) {
	metrics.InboundMessages.WithLabelValues(h.ServiceName, "dlr").Inc()

	id, stat := parseReceiptTokens(fieldString(fields, pdufield.ShortMessage))
	log.Info().
		Str("service", h.ServiceName).
		Str("source", fieldString(fields, pdufield.SourceAddr)).
		Str("destination", fieldString(fields, pdufield.DestinationAddr)).
		Str("id", id).
		Str("stat", stat).
		Msg("Received delivery receipt")
}

// parseReceiptTokens extracts the id and stat key:value tokens from a
// delivery receipt's whitespace-separated short message body, per
// spec.md §4.5/§6. A missing key yields an empty string.
func parseReceiptTokens(shortMessage string) (id, stat string) {
	for _, tok := range strings.Fields(shortMessage) {
		key, value, ok := strings.Cut(tok, ":")
		if !ok {
			continue
		}
		switch key {
		case "id":
			id = value
		case "stat":
			stat = value
		}
	}
	return id, stat
}

func (h *Handler) handleMobileOriginated(fields pdufield.Map) {
	origin := fieldString(fields, pdufield.SourceAddr)
	destination := fieldString(fields, pdufield.DestinationAddr)
	text := fieldString(fields, pdufield.ShortMessage)

	metrics.InboundMessages.WithLabelValues(h.ServiceName, "mo").Inc()

	id := h.Store.SaveReceivedMessage(context.Background(), origin, destination, text)
	if id == nil {
		log.Error().Str("service", h.ServiceName).Str("origin", origin).Msg("Failed to persist inbound message")
		return
	}
	log.Info().Str("service", h.ServiceName).Str("id", *id).Str("origin", origin).Msg("Received mobile-originated message")
}

func fieldString(fields pdufield.Map, name pdufield.Name) string {
	f := fields[name]
	if f == nil {
		return ""
	}
	return f.String()
}

func fieldByte(fields pdufield.Map, name pdufield.Name) byte {
	f := fields[name]
	if f == nil {
		return 0
	}
	b := f.Bytes()
	if len(b) == 0 {
		return 0
	}
	return b[0]
}
