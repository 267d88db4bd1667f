// Package module maps Accurate endpoints and slugs to module kinds and their
// transform hooks.
//
// Resolution is table driven: an endpoint is matched against an ordered list
// of path fragments and the first hit wins, so the order of endpointFragments
// is significant. Anything unmatched resolves to the no-op default handler.
package module

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/accurate-migrator/internal/record"
)

// Kind identifies a module with dedicated handling.
type Kind string

// Known module kinds.
const (
	KindDefault             Kind = ""
	KindBankTransfer        Kind = "bank-transfer"
	KindJournalVoucher      Kind = "journal-voucher"
	KindCustomer            Kind = "customer"
	KindItemTransfer        Kind = "item-transfer"
	KindPurchaseInvoice     Kind = "purchase-invoice"
	KindPurchaseOrder       Kind = "purchase-order"
	KindPurchasePayment     Kind = "purchase-payment"
	KindPurchaseRequisition Kind = "purchase-requisition"
	KindPurchaseReturn      Kind = "purchase-return"
	KindReceiveItem         Kind = "receive-item"
	KindSalesInvoice        Kind = "sales-invoice"
	KindSalesOrder          Kind = "sales-order"
	KindSalesQuotation      Kind = "sales-quotation"
	KindSalesReceipt        Kind = "sales-receipt"
	KindSalesReturn         Kind = "sales-return"
	KindDeliveryOrder       Kind = "delivery-order"
)

// SharedContext is per-batch state filled by PreCapture and read by
// TransformDetail. One orchestrating call owns it.
type SharedContext struct {
	// Branches is keyed by record.Key of the branch id.
	Branches map[string]record.Record
}

// NewSharedContext returns an empty context.
func NewSharedContext() *SharedContext {
	return &SharedContext{}
}

// Meta carries per-record details used for logging.
type Meta struct {
	ItemID any
	Index  int
}

// Lister fetches every record of a list endpoint.
type Lister interface {
	FetchAll(ctx context.Context, endpoint string, params url.Values) ([]record.Record, error)
}

// Handler is the transform behaviour of one module kind. Nil hooks are no-ops.
type Handler struct {
	Kind            Kind
	PreCapture      func(ctx context.Context, lister Lister, shared *SharedContext, logger *zap.Logger)
	TransformDetail func(rec record.Record, shared *SharedContext, meta Meta, logger *zap.Logger)
}

// Capture runs the pre-capture hook, if any.
func (h Handler) Capture(ctx context.Context, lister Lister, shared *SharedContext, logger *zap.Logger) {
	if h.PreCapture == nil || lister == nil || shared == nil {
		return
	}
	h.PreCapture(ctx, lister, shared, orNop(logger))
}

// Transform runs the transform hook, if any, mutating rec in place.
func (h Handler) Transform(rec record.Record, shared *SharedContext, meta Meta, logger *zap.Logger) {
	if h.TransformDetail == nil || rec == nil {
		return
	}
	if shared == nil {
		shared = NewSharedContext()
	}
	h.TransformDetail(rec, shared, meta, orNop(logger))
}

var handlers = map[Kind]Handler{
	KindBankTransfer:        {Kind: KindBankTransfer, TransformDetail: transformBankTransfer},
	KindJournalVoucher:      {Kind: KindJournalVoucher, TransformDetail: transformJournalVoucher},
	KindCustomer:            {Kind: KindCustomer, PreCapture: captureBranches, TransformDetail: transformBranchFromList},
	KindItemTransfer:        {Kind: KindItemTransfer},
	KindPurchaseInvoice:     {Kind: KindPurchaseInvoice},
	KindPurchaseOrder:       {Kind: KindPurchaseOrder},
	KindPurchasePayment:     {Kind: KindPurchasePayment},
	KindPurchaseRequisition: {Kind: KindPurchaseRequisition, PreCapture: captureBranches, TransformDetail: transformBranchFromList},
	KindPurchaseReturn:      {Kind: KindPurchaseReturn},
	KindReceiveItem:         {Kind: KindReceiveItem},
	KindSalesInvoice:        {Kind: KindSalesInvoice},
	KindSalesOrder:          {Kind: KindSalesOrder},
	KindSalesQuotation:      {Kind: KindSalesQuotation},
	KindSalesReceipt:        {Kind: KindSalesReceipt},
	KindSalesReturn:         {Kind: KindSalesReturn},
	KindDeliveryOrder:       {Kind: KindDeliveryOrder},
}

type fragment struct {
	path string
	kind Kind
}

var endpointFragments = []fragment{
	{"/bank-transfer/", KindBankTransfer},
	{"/journal-voucher/", KindJournalVoucher},
	{"/customer/", KindCustomer},
	{"/item-transfer/", KindItemTransfer},
	{"/purchase-invoice/", KindPurchaseInvoice},
	{"/purchase-order/", KindPurchaseOrder},
	{"/purchase-payment/", KindPurchasePayment},
	{"/purchase-requisition/", KindPurchaseRequisition},
	{"/purchase-return/", KindPurchaseReturn},
	{"/receive-item/", KindReceiveItem},
	{"/sales-invoice/", KindSalesInvoice},
	{"/sales-order/", KindSalesOrder},
	{"/sales-quotation/", KindSalesQuotation},
	{"/sales-receipt/", KindSalesReceipt},
	{"/sales-return/", KindSalesReturn},
	{"/delivery-order/", KindDeliveryOrder},
}

// ForSlug returns the handler for an exact module slug.
func ForSlug(slug string) Handler {
	if h, ok := handlers[Kind(slug)]; ok {
		return h
	}
	return Handler{Kind: KindDefault}
}

// ForEndpoint returns the handler of the first fragment contained in endpoint.
func ForEndpoint(endpoint string) Handler {
	for _, f := range endpointFragments {
		if strings.Contains(endpoint, f.path) {
			return handlers[f.kind]
		}
	}
	return Handler{Kind: KindDefault}
}

// Resolve treats identifiers containing "/" as endpoints and anything else as a slug.
func Resolve(identifier string) Handler {
	if strings.Contains(identifier, "/") {
		return ForEndpoint(identifier)
	}
	return ForSlug(identifier)
}

var slugPattern = regexp.MustCompile(`/api/([^/]+)/`)

// SlugFromEndpoint extracts the module slug from /api/<slug>/... paths.
func SlugFromEndpoint(endpoint string) (string, bool) {
	m := slugPattern.FindStringSubmatch(endpoint)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

var singleSaveOnly = []string{"warehouse", "price-category", "work-order", "bill-of-material"}

// SingleSaveOnly reports whether the module rejects bulk saves.
func SingleSaveOnly(endpoint string) bool {
	for _, s := range singleSaveOnly {
		if strings.Contains(endpoint, s) {
			return true
		}
	}
	return false
}

// IsTaxModule reports whether endpoint belongs to the tax-rate module.
func IsTaxModule(endpoint string) bool {
	return strings.Contains(endpoint, "/tax/")
}

// Endpoint helpers. Identifiers may be a bare slug or any endpoint of the module.

// ListEndpoint returns /api/<slug>/list.do.
func ListEndpoint(identifier string) string {
	return "/api/" + slugOf(identifier) + "/list.do"
}

// BulkSaveEndpoint returns /api/<slug>/bulk-save.do.
func BulkSaveEndpoint(identifier string) string {
	return "/api/" + slugOf(identifier) + "/bulk-save.do"
}

// SaveEndpoint returns the single-record endpoint for identifier.
func SaveEndpoint(identifier string) string {
	if strings.Contains(identifier, "bulk-save.do") {
		return strings.Replace(identifier, "bulk-save.do", "save.do", 1)
	}
	return "/api/" + slugOf(identifier) + "/save.do"
}

func slugOf(identifier string) string {
	if slug, ok := SlugFromEndpoint(identifier); ok {
		return slug
	}
	return strings.Trim(identifier, "/")
}

func orNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
