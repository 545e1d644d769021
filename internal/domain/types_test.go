package domain

import "testing"

func TestTotalsConsistent(t *testing.T) {
	tests := []struct {
		name   string
		totals Totals
		want   bool
	}{
		{
			name:   "exact identity",
			totals: Totals{Subtotal: 20, Discount: 0, Tax: 1.6, Shipping: 5.99, Total: 27.59},
			want:   true,
		},
		{
			name:   "within tolerance",
			totals: Totals{Subtotal: 100, Discount: 10, Tax: 8, Shipping: 5, Total: 103.005},
			want:   true,
		},
		{
			name:   "off by a cent",
			totals: Totals{Subtotal: 100, Discount: 10, Tax: 8, Shipping: 5, Total: 103.02},
			want:   false,
		},
		{
			name:   "discount exceeds subtotal still balances",
			totals: Totals{Subtotal: 10, Discount: 10, Tax: 0, Shipping: 0, Total: 0},
			want:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.totals.Consistent(); got != tt.want {
				t.Errorf("Consistent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTotalsNonNegative(t *testing.T) {
	if (Totals{Subtotal: -1}).NonNegative() {
		t.Error("negative subtotal reported non-negative")
	}
	if !(Totals{Subtotal: 20, Tax: 1.6, Shipping: 5.99, Total: 27.59}).NonNegative() {
		t.Error("valid totals reported negative")
	}
}

func TestPaymentMethodRequiresGateway(t *testing.T) {
	if !PaymentMethodCard.RequiresGateway() {
		t.Error("card should require the gateway")
	}
	if PaymentMethodCOD.RequiresGateway() || PaymentMethodBankTransfer.RequiresGateway() {
		t.Error("offline methods must not require the gateway")
	}
	if PaymentMethod("crypto").Valid() {
		t.Error("unknown payment method reported valid")
	}
}
