package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/drfirst/rxdesk/internal/domain"
	"github.com/drfirst/rxdesk/internal/domain/prescription"
)

const prescriptionCols = `id, patient_id, patient_name, doctor_id, source_prescription_id, status,
	created_at, sent_at, pharmacy_at, rejection_code, rejection_note, pickup_instructions`

func scanPrescription(row pgx.Row) (prescription.Prescription, error) {
	var (
		p          prescription.Prescription
		sourceID   *string
		reasonCode *string
		reasonNote *string
	)
	err := row.Scan(&p.ID, &p.PatientID, &p.PatientName, &p.DoctorID, &sourceID, &p.Status,
		&p.CreatedAt, &p.SentAt, &p.PharmacyAt, &reasonCode, &reasonNote, &p.PickupInstructions)
	if err != nil {
		return prescription.Prescription{}, err
	}
	if sourceID != nil {
		p.SourceID = *sourceID
	}
	if reasonCode != nil {
		r := prescription.RejectionReason{Code: prescription.ReasonCode(*reasonCode)}
		if reasonNote != nil {
			r.Note = *reasonNote
		}
		p.Rejection = &r
	}
	p.Lines = []prescription.Line{}
	return p, nil
}

// rejectionColumns splits the reason into its two nullable columns.
func rejectionColumns(r *prescription.RejectionReason) (code, note *string) {
	if r == nil {
		return nil, nil
	}
	c := string(r.Code)
	code = &c
	if r.Note != "" {
		n := r.Note
		note = &n
	}
	return code, note
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (t *tx) ListPrescriptions(ctx context.Context, f prescription.Filter) ([]prescription.Prescription, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.PatientID != "" {
		add("patient_id", f.PatientID)
	}
	if f.DoctorID != "" {
		add("doctor_id", f.DoctorID)
	}

	sql := `SELECT ` + prescriptionCols + ` FROM prescriptions`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY sent_at DESC NULLS LAST, created_at DESC, id DESC`

	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify("list prescriptions", "prescription", "", err)
	}
	defer rows.Close()

	var (
		out   []prescription.Prescription
		ids   []string
		index = make(map[string]int)
	)
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, classify("scan prescription", "prescription", "", err)
		}
		index[p.ID] = len(out)
		ids = append(ids, p.ID)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list prescriptions", "prescription", "", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	lines, err := t.linesOf(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, l := range lines {
		i := index[l.PrescriptionID]
		out[i].Lines = append(out[i].Lines, l)
	}
	return out, nil
}

const lineCols = `id, prescription_id, medicine_id, name, strength, form, quantity, instructions`

// linesOf loads the lines of the given prescriptions in their written order.
func (t *tx) linesOf(ctx context.Context, prescriptionIDs []string) ([]prescription.Line, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+lineCols+`
		FROM prescription_lines
		WHERE prescription_id = ANY($1)
		ORDER BY prescription_id, position`, prescriptionIDs)
	if err != nil {
		return nil, classify("list lines", "line", "", err)
	}
	defer rows.Close()

	var out []prescription.Line
	for rows.Next() {
		var (
			l          prescription.Line
			medicineID *string
		)
		if err := rows.Scan(&l.ID, &l.PrescriptionID, &medicineID, &l.Name, &l.Strength, &l.Form, &l.Quantity, &l.Instructions); err != nil {
			return nil, classify("scan line", "line", "", err)
		}
		if medicineID != nil {
			l.MedicineID = *medicineID
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (t *tx) getPrescription(ctx context.Context, op, id, suffix string) (prescription.Prescription, error) {
	p, err := scanPrescription(t.q.QueryRow(ctx,
		`SELECT `+prescriptionCols+` FROM prescriptions WHERE id = $1`+suffix, id))
	if err != nil {
		return prescription.Prescription{}, classify(op, "prescription", id, err)
	}
	lines, err := t.linesOf(ctx, []string{id})
	if err != nil {
		return prescription.Prescription{}, err
	}
	if lines != nil {
		p.Lines = lines
	}
	return p, nil
}

func (t *tx) GetPrescription(ctx context.Context, id string) (prescription.Prescription, error) {
	return t.getPrescription(ctx, "get prescription", id, "")
}

func (t *tx) LockPrescription(ctx context.Context, id string) (prescription.Prescription, error) {
	return t.getPrescription(ctx, "lock prescription", id, " FOR UPDATE")
}

func (t *tx) CreatePrescription(ctx context.Context, p prescription.Prescription) error {
	code, note := rejectionColumns(p.Rejection)
	_, err := t.q.Exec(ctx, `
		INSERT INTO prescriptions (id, patient_id, patient_name, doctor_id, source_prescription_id, status,
			created_at, sent_at, pharmacy_at, rejection_code, rejection_note, pickup_instructions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		p.ID, p.PatientID, p.PatientName, p.DoctorID, nullable(p.SourceID), string(p.Status),
		p.CreatedAt, p.SentAt, p.PharmacyAt, code, note, p.PickupInstructions)
	if err != nil {
		return classify("create prescription", "prescription", p.ID, err)
	}
	return t.insertLines(ctx, p.Lines)
}

func (t *tx) insertLines(ctx context.Context, lines []prescription.Line) error {
	if len(lines) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, l := range lines {
		batch.Queue(`
			INSERT INTO prescription_lines (id, prescription_id, position, medicine_id, name, strength, form, quantity, instructions)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			l.ID, l.PrescriptionID, i, nullable(l.MedicineID), l.Name, l.Strength, l.Form, l.Quantity, l.Instructions)
	}
	br := t.q.SendBatch(ctx, batch)
	for _, l := range lines {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			if isForeignKeyViolation(err) && l.MedicineID != "" {
				return domain.NotFound("medicine", l.MedicineID)
			}
			return classify("insert line", "line", l.ID, err)
		}
	}
	return br.Close()
}

func (t *tx) ReplaceLines(ctx context.Context, prescriptionID string, lines []prescription.Line) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM prescription_lines WHERE prescription_id = $1`, prescriptionID); err != nil {
		return classify("delete lines", "prescription", prescriptionID, err)
	}
	return t.insertLines(ctx, lines)
}

// UpdatePrescription is a compare-and-set on status: the header is written
// only while the stored status still equals expected.
func (t *tx) UpdatePrescription(ctx context.Context, p prescription.Prescription, expected prescription.Status) (bool, error) {
	code, note := rejectionColumns(p.Rejection)
	tag, err := t.q.Exec(ctx, `
		UPDATE prescriptions
		SET patient_id = $3, patient_name = $4, status = $5, sent_at = $6, pharmacy_at = $7,
			rejection_code = $8, rejection_note = $9, pickup_instructions = $10, updated_at = $11
		WHERE id = $1 AND status = $2`,
		p.ID, string(expected), p.PatientID, p.PatientName, string(p.Status), p.SentAt, p.PharmacyAt,
		code, note, p.PickupInstructions, time.Now().UTC())
	if err != nil {
		return false, classify("update prescription", "prescription", p.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *tx) DeletePrescription(ctx context.Context, id string) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM prescription_lines WHERE prescription_id = $1`, id); err != nil {
		return classify("delete lines", "prescription", id, err)
	}
	tag, err := t.q.Exec(ctx, `DELETE FROM prescriptions WHERE id = $1`, id)
	if err != nil {
		return classify("delete prescription", "prescription", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("prescription", id)
	}
	return nil
}
