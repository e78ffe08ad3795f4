package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/drfirst/rxdesk/internal/domain"
	"github.com/drfirst/rxdesk/internal/domain/catalog"
)

const medicineCols = `id, name, strength, form, created_at`

func scanMedicine(row pgx.Row) (catalog.Medicine, error) {
	var m catalog.Medicine
	err := row.Scan(&m.ID, &m.Name, &m.Strength, &m.Form, &m.CreatedAt)
	return m, err
}

func (t *tx) ListMedicines(ctx context.Context) ([]catalog.Medicine, error) {
	rows, err := t.q.Query(ctx, `SELECT `+medicineCols+` FROM medicines ORDER BY name ASC, created_at ASC, id ASC`)
	if err != nil {
		return nil, classify("list medicines", "medicine", "", err)
	}
	defer rows.Close()

	var out []catalog.Medicine
	for rows.Next() {
		m, err := scanMedicine(rows)
		if err != nil {
			return nil, classify("scan medicine", "medicine", "", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *tx) GetMedicine(ctx context.Context, id string) (catalog.Medicine, error) {
	m, err := scanMedicine(t.q.QueryRow(ctx, `SELECT `+medicineCols+` FROM medicines WHERE id = $1`, id))
	if err != nil {
		return catalog.Medicine{}, classify("get medicine", "medicine", id, err)
	}
	return m, nil
}

func (t *tx) CreateMedicine(ctx context.Context, m catalog.Medicine) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO medicines (id, name, strength, form, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.Name, m.Strength, m.Form, m.CreatedAt)
	return classify("create medicine", "medicine", m.ID, err)
}

func (t *tx) UpdateMedicine(ctx context.Context, m catalog.Medicine) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE medicines SET name = $2, strength = $3, form = $4
		WHERE id = $1`,
		m.ID, m.Name, m.Strength, m.Form)
	if err != nil {
		return classify("update medicine", "medicine", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("medicine", m.ID)
	}
	return nil
}

// DeleteMedicine fails with a validation error while batches reference the
// medicine. Prescription lines keep their snapshot and lose the reference.
func (t *tx) DeleteMedicine(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM medicines WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.Validation("medicine still has batches and cannot be deleted")
		}
		return classify("delete medicine", "medicine", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("medicine", id)
	}
	return nil
}

const batchCols = `id, medicine_id, batch_number, quantity, expiry_date, received_at, created_at`

func scanBatch(row pgx.Row) (catalog.Batch, error) {
	var b catalog.Batch
	err := row.Scan(&b.ID, &b.MedicineID, &b.BatchNumber, &b.Quantity, &b.ExpiryDate, &b.ReceivedAt, &b.CreatedAt)
	return b, err
}

func (t *tx) queryBatches(ctx context.Context, op, sql string, args ...any) ([]catalog.Batch, error) {
	rows, err := t.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(op, "batch", "", err)
	}
	defer rows.Close()

	var out []catalog.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, classify("scan batch", "batch", "", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *tx) ListBatches(ctx context.Context, medicineID string) ([]catalog.Batch, error) {
	if medicineID == "" {
		return t.queryBatches(ctx, "list batches",
			`SELECT `+batchCols+` FROM batches ORDER BY created_at DESC, id DESC`)
	}
	return t.queryBatches(ctx, "list batches",
		`SELECT `+batchCols+` FROM batches WHERE medicine_id = $1 ORDER BY created_at DESC, id DESC`, medicineID)
}

// LockBatches takes row locks in id order so concurrent fulfillments over
// overlapping medicines cannot deadlock.
func (t *tx) LockBatches(ctx context.Context, medicineIDs []string) ([]catalog.Batch, error) {
	if len(medicineIDs) == 0 {
		return nil, nil
	}
	return t.queryBatches(ctx, "lock batches",
		`SELECT `+batchCols+` FROM batches WHERE medicine_id = ANY($1) ORDER BY id FOR UPDATE`, medicineIDs)
}

func (t *tx) CreateBatch(ctx context.Context, b catalog.Batch) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO batches (id, medicine_id, batch_number, quantity, expiry_date, received_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.MedicineID, b.BatchNumber, b.Quantity, b.ExpiryDate, b.ReceivedAt, b.CreatedAt)
	if isForeignKeyViolation(err) {
		return domain.NotFound("medicine", b.MedicineID)
	}
	return classify("create batch", "batch", b.ID, err)
}

func (t *tx) SetBatchQuantity(ctx context.Context, id string, quantity int) error {
	if quantity < 0 {
		return domain.Validation("batch quantity cannot be negative")
	}
	tag, err := t.q.Exec(ctx, `UPDATE batches SET quantity = $2 WHERE id = $1`, id, quantity)
	if err != nil {
		return classify("set batch quantity", "batch", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound("batch", id)
	}
	return nil
}
