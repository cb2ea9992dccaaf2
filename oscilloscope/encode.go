package oscilloscope

import (
	"bufio"
	"io"
	"strconv"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
)

// ragged reports records whose axes disagree in length
func (c CaptureResult) ragged() error {
	if len(c.Time) != len(c.Voltage) {
		return errors.Errorf("record has %d times but %d voltages", len(c.Time), len(c.Voltage))
	}
	return nil
}

func formatG(f float64) string {
	return strconv.FormatFloat(f, 'G', -1, 64)
}

// EncodeCSV writes the record as CSV in streaming fashion, preceded by
// "# key: value" metadata comments:
//
//	# Channel: 1
//	# x_increment: 1E-05
//	...
//	Time (s),Voltage (V)
//	-5E-05,0.1
func (c CaptureResult) EncodeCSV(w io.Writer) error {
	if err := c.ragged(); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	m := c.Metadata
	header := [][2]string{
		{"Channel", strconv.Itoa(c.Channel)},
		{"x_increment", formatG(m.XIncrement)},
		{"x_origin", formatG(m.XOrigin)},
		{"y_increment", formatG(m.YIncrement)},
		{"y_origin", formatG(m.YOrigin)},
		{"points", strconv.Itoa(m.SampleCount)},
	}
	if c.ID != "" {
		header = append(header, [2]string{"capture", c.ID})
	}
	if !c.Acquired.IsZero() {
		header = append(header, [2]string{"acquired", c.Acquired.UTC().Format("2006-01-02T15:04:05.000Z07:00")})
	}
	for _, kv := range header {
		bw.WriteString("# " + kv[0] + ": " + kv[1] + "\n")
	}
	bw.WriteString("Time (s),Voltage (V)\n")
	// reuse one scratch buffer across rows
	row := make([]byte, 0, 64)
	for i := range c.Voltage {
		row = row[:0]
		row = strconv.AppendFloat(row, c.Time[i], 'G', -1, 64)
		row = append(row, ',')
		row = strconv.AppendFloat(row, c.Voltage[i], 'G', -1, 64)
		row = append(row, '\n')
		if _, err := bw.Write(row); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// EncodeFITS writes the record as a FITS binary table with TIME and VOLTAGE
// columns and the metadata as header cards
func (c CaptureResult) EncodeFITS(w io.Writer) error {
	if err := c.ragged(); err != nil {
		return err
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	phdu, err := fitsio.NewPrimaryHDU(nil)
	if err != nil {
		return err
	}
	if err = fits.Write(phdu); err != nil {
		return errors.Wrap(err, "writing primary HDU")
	}

	cols := []fitsio.Column{
		{Name: "TIME", Format: "D", Unit: "s"},
		{Name: "VOLTAGE", Format: "D", Unit: "V"},
	}
	tbl, err := fitsio.NewTable("WAVEFORM", cols, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer tbl.Close()
	m := c.Metadata
	cards := []fitsio.Card{
		{Name: "CHANNEL", Value: c.Channel, Comment: "oscilloscope input"},
		{Name: "XINCR", Value: m.XIncrement, Comment: "[s] sample spacing"},
		{Name: "XORIGIN", Value: m.XOrigin, Comment: "[s] time of first sample"},
		{Name: "YINCR", Value: m.YIncrement, Comment: "[V] per raw unit"},
		{Name: "YORIGIN", Value: m.YOrigin, Comment: "[V] channel offset"},
		{Name: "NPOINTS", Value: m.SampleCount},
	}
	if c.ID != "" {
		cards = append(cards, fitsio.Card{Name: "CAPTURE", Value: c.ID})
	}
	if !c.Acquired.IsZero() {
		cards = append(cards, fitsio.Card{Name: "DATE-OBS", Value: c.Acquired.UTC().Format("2006-01-02T15:04:05.000")})
	}
	if err = tbl.Header().Append(cards...); err != nil {
		return err
	}
	for i := range c.Voltage {
		t, v := c.Time[i], c.Voltage[i]
		if err = tbl.Write(&t, &v); err != nil {
			return errors.Wrapf(err, "writing row %d", i)
		}
	}
	return fits.Write(tbl)
}
