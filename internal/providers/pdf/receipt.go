package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

type ReceiptItem struct {
	Description string
	Qty         int64
	UnitPrice   string
	Amount      string
}

type ReceiptData struct {
	StoreName     string
	OrderNumber   string
	DatePaid      string
	CustomerPhone string
	Items         []ReceiptItem
	Subtotal      string
	Tax           string
	Shipping      string
	Discount      string
	Total         string
}

type Provider interface {
	GenerateReceipt(ctx context.Context, data ReceiptData) (io.Reader, error)
}

type MarotoProvider struct{}

func New() Provider {
	return &MarotoProvider{}
}

func (p *MarotoProvider) GenerateReceipt(ctx context.Context, data ReceiptData) (io.Reader, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(8, "Payment Receipt", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, data.StoreName, props.Text{
			Size:  12,
			Align: align.Right,
		}),
	)

	m.AddRow(20,
		col.New(6).Add(
			text.New("Order number: "+data.OrderNumber, props.Text{Top: 0}),
			text.New("Date paid: "+data.DatePaid, props.Text{Top: 4}),
			text.New("Customer: "+data.CustomerPhone, props.Text{Top: 8}),
		),
		col.New(6),
	)

	m.AddRow(15,
		text.NewCol(12, data.Total+" paid on "+data.DatePaid, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Qty", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Unit price", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(2, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)

	for _, item := range data.Items {
		m.AddRow(12,
			text.NewCol(6, item.Description, props.Text{Size: 9}),
			text.NewCol(2, fmt.Sprintf("%d", item.Qty), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.UnitPrice, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, item.Amount, props.Text{Size: 9, Align: align.Right}),
		)
	}

	for _, row := range []struct {
		label string
		value string
	}{
		{"Subtotal", data.Subtotal},
		{"Tax", data.Tax},
		{"Shipping", data.Shipping},
		{"Discount", data.Discount},
		{"Total", data.Total},
	} {
		m.AddRow(8,
			col.New(8),
			text.NewCol(2, row.label, props.Text{Size: 9}),
			text.NewCol(2, row.value, props.Text{Size: 9, Align: align.Right}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}
