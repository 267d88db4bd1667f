package normalize

import (
	"context"
	"strings"

	"github.com/JakeFAU/accurate-migrator/internal/record"
)

// Modules matches an endpoint when it contains any of the listed fragments.
// A nil Modules matches every endpoint.
type Modules []string

func (m Modules) match(endpoint string) bool {
	if m == nil {
		return true
	}
	for _, frag := range m {
		if strings.Contains(endpoint, frag) {
			return true
		}
	}
	return false
}

var (
	purchaseFamily = Modules{"purchase-order", "purchase-invoice", "purchase-payment", "purchase-return", "receive-item"}
	salesFamily    = Modules{"sales-order", "sales-invoice", "sales-quotation", "sales-receipt", "sales-return", "delivery-order"}
	manufacturing  = Modules{"work-order", "bill-of-material"}
	lineItemFamily = Modules{
		"purchase-order", "purchase-invoice", "purchase-return", "receive-item",
		"sales-order", "sales-invoice", "job-order", "sales-quotation", "sales-return",
		"delivery-order", "item-transfer",
	}
	// server-assigned on create
	numberAssigned = Modules{
		"delivery-order", "purchase-invoice", "purchase-order", "purchase-payment",
		"purchase-requisition", "purchase-return", "sales-invoice", "sales-order",
		"sales-quotation", "sales-receipt", "sales-return", "receive-item", "item-transfer",
	}
)

// DropRule removes Field from records of matching modules.
type DropRule struct {
	Field string
	When  Modules
}

// FlattenRule replaces an embedded reference object with one of its scalar fields.
type FlattenRule struct {
	Field  string
	When   Modules
	Sub    string
	Target string
}

// alwaysDropped applies at every depth.
var alwaysDropped = map[string]struct{}{
	"id":         {},
	"vendorType": {},
}

var taxIDFields = map[string]struct{}{
	"npwpNo":   {},
	"wpNumber": {},
}

// DropRules apply to top-level records and sequence elements.
var DropRules = []DropRule{
	{Field: "number", When: numberAssigned},
	{Field: "locationId", When: Modules{"warehouse"}},
	{Field: "transactionType", When: Modules{"journal-voucher"}},
	{Field: "salesTaxGlAccountId", When: Modules{"/tax/"}},
	{Field: "purchaseTaxGlAccountId", When: Modules{"/tax/"}},
}

// FlattenRules apply to top-level records and sequence elements.
var FlattenRules = []FlattenRule{
	{Field: "vendor", When: purchaseFamily, Sub: "vendorNo", Target: "vendorNo"},
	{Field: "customer", When: salesFamily, Sub: "customerNo", Target: "customerNo"},
	{Field: "fromBank", When: Modules{"bank-transfer"}, Sub: "no", Target: "fromBankNo"},
	{Field: "toBank", When: Modules{"bank-transfer"}, Sub: "no", Target: "toBankNo"},
	{Field: "expensePayable", When: Modules{"expense"}, Sub: "no", Target: "expensePayableNo"},
	{Field: "bank", When: Modules{"sales-receipt", "purchase-payment"}, Sub: "no", Target: "bankNo"},
	{Field: "fromItemTransfer", When: Modules{"item-transfer"}, Sub: "number", Target: "fromItemTransferNo"},
	{Field: "invoice", When: Modules{"purchase-return", "sales-return"}, Sub: "number", Target: "invoiceNumber"},
	{Field: "order", When: Modules{"stock-opname-result"}, Sub: "number", Target: "orderNumber"},
	{Field: "jobOrder", When: Modules{"roll-over"}, Sub: "number", Target: "jobOrderNumber"},
	{Field: "billOfMaterial", When: Modules{"work-order"}, Sub: "number", Target: "billOfMaterialNo"},
	{Field: "manufactureOrder", When: Modules{"work-order"}, Sub: "number", Target: "manufactureOrderNo"},
	{Field: "item", When: Modules{"bill-of-material"}, Sub: "no", Target: "itemNo"},
}

// Action reshapes one cleaned sequence element. Returning false removes the element.
type Action interface {
	apply(ctx context.Context, n *Normalizer, elem record.Record, scope Scope) (record.Record, bool)
}

// ElementRule applies Actions to every element of the sequence Field in matching modules.
type ElementRule struct {
	Field   string
	When    Modules
	Actions []Action
}

// Flatten moves the first present From.Subs value to To and removes From.
// From is left alone when none of the sub-fields is present.
type Flatten struct {
	From string
	Subs []string
	To   string
}

func (a Flatten) apply(_ context.Context, _ *Normalizer, elem record.Record, _ Scope) (record.Record, bool) {
	obj, ok := record.AsRecord(elem[a.From])
	if !ok {
		return elem, true
	}
	for _, sub := range a.Subs {
		if v, ok := obj.Lookup(sub); ok && isScalarValue(v) {
			elem[a.To] = v
			delete(elem, a.From)
			break
		}
	}
	return elem, true
}

// Resolve rewrites an embedded reference number through the mapping store,
// falling back to the original number.
type Resolve struct {
	From   string
	Sub    string
	To     string
	Module func(endpoint string) string
	Unless Modules
}

func (a Resolve) apply(ctx context.Context, n *Normalizer, elem record.Record, scope Scope) (record.Record, bool) {
	if a.Unless != nil && a.Unless.match(scope.Endpoint) {
		return elem, true
	}
	obj, ok := record.AsRecord(elem[a.From])
	if !ok {
		return elem, true
	}
	v, ok := obj.Lookup(a.Sub)
	if !ok {
		return elem, true
	}
	old, ok := record.Text(v)
	if !ok || old == "" {
		return elem, true
	}
	elem[a.To] = n.mappedNumber(ctx, scope, a.Module(scope.Endpoint), old)
	delete(elem, a.From)
	return elem, true
}

// DropBelow removes elements whose Field is missing or numerically below Min.
type DropBelow struct {
	Field string
	Min   float64
}

func (a DropBelow) apply(_ context.Context, _ *Normalizer, elem record.Record, _ Scope) (record.Record, bool) {
	f, ok := record.Float(elem[a.Field])
	if !ok || f < a.Min {
		return nil, false
	}
	return elem, true
}

// ProjectField is one output field of a Project. When From is empty the
// field is copied as is.
type ProjectField struct {
	To   string
	From string
	Sub  string
}

// Project keeps only the listed fields.
type Project []ProjectField

func (a Project) apply(_ context.Context, _ *Normalizer, elem record.Record, _ Scope) (record.Record, bool) {
	out := make(record.Record, len(a))
	for _, f := range a {
		if f.From != "" {
			if v, ok := elem.Lookup(f.From, f.Sub); ok && isScalarValue(v) {
				out[f.To] = v
				continue
			}
		}
		if v, ok := elem[f.To]; ok && v != nil {
			out[f.To] = v
		}
	}
	return out, len(out) > 0
}

// Nested applies Actions to each element of the sequence Field inside the element.
type Nested struct {
	Field   string
	Actions []Action
}

func (a Nested) apply(ctx context.Context, n *Normalizer, elem record.Record, scope Scope) (record.Record, bool) {
	list, ok := record.AsList(elem[a.Field])
	if !ok {
		return elem, true
	}
	out := make([]any, 0, len(list))
	for _, item := range list {
		obj, ok := record.AsRecord(item)
		if !ok {
			out = append(out, item)
			continue
		}
		if shaped, keep := applyActions(ctx, n, obj, scope, a.Actions); keep {
			out = append(out, shaped)
		}
	}
	if len(out) == 0 {
		delete(elem, a.Field)
		return elem, true
	}
	elem[a.Field] = out
	return elem, true
}

func fixedModule(slug string) func(string) string {
	return func(string) string { return slug }
}

func invoiceModule(endpoint string) string {
	if strings.Contains(endpoint, "purchase-invoice") {
		return "purchase-invoice"
	}
	return "sales-invoice"
}

var (
	itemNo    = Flatten{From: "item", Subs: []string{"no"}, To: "itemNo"}
	accountNo = Flatten{From: "account", Subs: []string{"no"}, To: "accountNo"}
	poNumber  = Resolve{From: "purchaseOrder", Sub: "number", To: "purchaseOrderNumber", Module: fixedModule("purchase-order")}
)

// ElementRules are checked in order; every matching rule is applied.
var ElementRules = []ElementRule{
	{
		Field: "detailItem",
		When:  lineItemFamily,
		Actions: []Action{
			itemNo,
			Resolve{From: "purchaseOrder", Sub: "number", To: "purchaseOrderNumber",
				Module: fixedModule("purchase-order"), Unless: Modules{"receive-item"}},
		},
	},
	{
		Field: "detailItem",
		When:  Modules{"item-adjustment"},
		Actions: []Action{Project{
			{To: "itemNo", From: "item", Sub: "no"},
			{To: "itemAdjustmentType"},
			{To: "unitCost"},
			{To: "quantity"},
		}},
	},
	{
		Field:   "detailSerialNumber",
		When:    Modules{"/item/", "job-order", "item-transfer", "purchase-invoice", "receive-item", "sales-invoice"},
		Actions: []Action{Flatten{From: "serialNumber", Subs: []string{"number", "no"}, To: "serialNumberNo"}},
	},
	{
		Field:   "detailAccount",
		When:    Modules{"expense"},
		Actions: []Action{accountNo},
	},
	{
		Field: "detailJournalVoucher",
		When:  Modules{"journal-voucher"},
		Actions: []Action{
			DropBelow{Field: "amount", Min: 1},
			Flatten{From: "glAccount", Subs: []string{"no"}, To: "accountNo"},
			Flatten{From: "vendor", Subs: []string{"vendorNo"}, To: "vendorNo"},
			Flatten{From: "customer", Subs: []string{"customerNo"}, To: "customerNo"},
		},
	},
	{
		Field:   "detailExpense",
		When:    Modules{"work-order", "bill-of-material", "purchase-invoice", "purchase-order"},
		Actions: []Action{itemNo, accountNo, poNumber},
	},
	{
		Field: "detailDownPayment",
		When:  Modules{"purchase-invoice", "sales-invoice"},
		Actions: []Action{
			Resolve{From: "invoice", Sub: "number", To: "invoiceNumber", Module: invoiceModule},
		},
	},
	{Field: "detailMaterial", When: manufacturing, Actions: []Action{itemNo}},
	{Field: "detailExtraFinishGood", When: manufacturing, Actions: []Action{itemNo}},
	{
		Field:   "detailProcess",
		When:    manufacturing,
		Actions: []Action{Flatten{From: "processCategory", Subs: []string{"name"}, To: "processCategoryName"}},
	},
	{
		Field: "detailInvoice",
		When:  Modules{"purchase-payment"},
		Actions: []Action{
			Flatten{From: "invoice", Subs: []string{"number"}, To: "invoiceNo"},
			Nested{Field: "detailDiscount", Actions: []Action{accountNo}},
		},
	},
}

func applyActions(ctx context.Context, n *Normalizer, elem record.Record, scope Scope, actions []Action) (record.Record, bool) {
	for _, a := range actions {
		var keep bool
		elem, keep = a.apply(ctx, n, elem, scope)
		if !keep {
			return nil, false
		}
	}
	return elem, len(elem) > 0
}

func isScalarValue(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	_, ok := record.Text(v)
	return ok
}
