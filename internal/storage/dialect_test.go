package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestDialects_Quote(t *testing.T) {
	t.Parallel()

	if got := (Postgres{}).Quote(`public.we"ird`); got != `"public"."we""ird"` {
		t.Fatalf("postgres quote = %s", got)
	}
	if got := (MSSQL{}).Quote("dbo.t]x"); got != "[dbo].[t]]x]" {
		t.Fatalf("mssql quote = %s", got)
	}
	if got := (MSSQL{}).Placeholder(3); got != "@p3" {
		t.Fatalf("mssql placeholder = %s", got)
	}
}

func TestDialects_CreateTable(t *testing.T) {
	t.Parallel()

	td := TableDef{
		Name: "etl_watermarks",
		Columns: []Column{
			{Name: "key", Type: TypeText, NotNull: true},
			{Name: "value", Type: TypeBigInt, NotNull: true},
		},
		PrimaryKey: []string{"key"},
	}
	pg := (Postgres{}).CreateTable(td)
	want := `CREATE TABLE IF NOT EXISTS "etl_watermarks" ("key" TEXT NOT NULL, "value" BIGINT NOT NULL, PRIMARY KEY ("key"))`
	if pg != want {
		t.Fatalf("postgres DDL:\n%s\nwant\n%s", pg, want)
	}
	ms := (MSSQL{}).CreateTable(td)
	if !strings.HasPrefix(ms, "IF OBJECT_ID(N'etl_watermarks', N'U') IS NULL CREATE TABLE [etl_watermarks]") ||
		!strings.Contains(ms, "[key] NVARCHAR(450) NOT NULL") {
		t.Fatalf("mssql DDL: %s", ms)
	}

	serial := TableDef{Name: "missing_data", Columns: []Column{{Name: "id", Type: TypeSerial}}, PrimaryKey: []string{"id"}}
	if got := (SQLite{}).CreateTable(serial); strings.Contains(got, "PRIMARY KEY (") {
		t.Fatalf("serial table must not add a second primary key: %s", got)
	}
}

func TestDialects_MaxQuery(t *testing.T) {
	t.Parallel()

	pg := (Postgres{}).MaxQuery("all_sales", "order_ref", "POS-")
	for _, frag := range []string{`SUBSTRING("order_ref" FROM 5)`, `LEFT("order_ref", 4) = $1`, "~ '^[0-9]+$'"} {
		if !strings.Contains(pg, frag) {
			t.Fatalf("postgres max query %q missing %q", pg, frag)
		}
	}
	sq := (SQLite{}).MaxQuery("all_sales", "order_ref", "DS-")
	if !strings.Contains(sq, `substr("order_ref", 1, 3) = ?`) {
		t.Fatalf("sqlite max query: %s", sq)
	}
	if got := (Postgres{}).MaxQuery("dim_promotions", "promotion_id", ""); got != `SELECT MAX("promotion_id")::BIGINT FROM "dim_promotions"` {
		t.Fatalf("plain max query: %s", got)
	}
}

func TestDialects_MySQL(t *testing.T) {
	t.Parallel()

	d := MySQL{}
	if got := d.Quote("dw.we`ird"); got != "`dw`.`we``ird`" {
		t.Fatalf("mysql quote = %s", got)
	}
	ddl := d.CreateTable(TableDef{
		Name:       "etl_watermarks",
		Columns:    []Column{{Name: "key", Type: TypeText, NotNull: true}, {Name: "note", Type: TypeText}},
		PrimaryKey: []string{"key"},
	})
	want := "CREATE TABLE IF NOT EXISTS `etl_watermarks` (`key` VARCHAR(255) NOT NULL, `note` TEXT, PRIMARY KEY (`key`))"
	if ddl != want {
		t.Fatalf("mysql DDL:\n%s\nwant\n%s", ddl, want)
	}
	ins := d.InsertIgnore("dim_brands", []string{"id", "name"})
	if ins != "INSERT INTO `dim_brands` (`id`, `name`) VALUES (?, ?) ON DUPLICATE KEY UPDATE `id` = `id`" {
		t.Fatalf("mysql insert ignore = %s", ins)
	}
	mq := d.MaxQuery("all_sales", "id", "DS-")
	for _, frag := range []string{"SUBSTRING(`id`, 4)", "LEFT(`id`, 3) = ?", "REGEXP '^[0-9]+$'"} {
		if !strings.Contains(mq, frag) {
			t.Fatalf("mysql max query %q missing %q", mq, frag)
		}
	}
}

func TestMaxID(t *testing.T) {
	t.Parallel()

	seven := int64(7)
	d := SQLite{}
	w := &fakeWarehouse{maxes: map[string]*int64{
		d.MaxQuery("t", "id", ""):       &seven,
		d.MaxQuery("empty", "id", ""):   nil,
		d.MaxQuery("t", "ref", "POS-"): &seven,
	}}
	ctx := context.Background()

	if got, err := MaxID(ctx, w, "t", "id", ""); err != nil || got != 7 {
		t.Fatalf("MaxID = %d,%v", got, err)
	}
	if got, err := MaxID(ctx, w, "empty", "id", ""); err != nil || got != 0 {
		t.Fatalf("empty MaxID = %d,%v", got, err)
	}
	if got, err := MaxID(ctx, w, "t", "ref", "POS-"); err != nil || got != 7 {
		t.Fatalf("prefixed MaxID = %d,%v", got, err)
	}
	if _, err := MaxID(ctx, w, "missing", "id", ""); err == nil {
		t.Fatal("expected error for failing query")
	}
}

func TestRegistry(t *testing.T) {
	Register("fake-registry", func(context.Context, Config) (Warehouse, error) {
		return &fakeWarehouse{}, nil
	})
	w, err := New(context.Background(), Config{Kind: "fake-registry"})
	if err != nil || w == nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := New(context.Background(), Config{Kind: "nope"}); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("unknown kind err = %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("duplicate Register should panic")
		}
	}()
	Register("fake-registry", func(context.Context, Config) (Warehouse, error) { return nil, nil })
}
