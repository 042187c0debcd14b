package storage

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"kiln/internal/analysis"
	"kiln/internal/classapi"
	kilnerrors "kiln/internal/errors"
	"kiln/internal/logging"
	"kiln/internal/observability"
	"kiln/internal/stamp"
)

// formatVersion guards against reading analyses written by an
// incompatible kiln. Bump together with currentSchemaVersion when the
// stored shape changes.
const formatVersion = "1"

// analysisTables lists every table owned by the stored analysis, in
// clear order. schema_version is managed separately.
var analysisTables = []string{
	"source_stamps",
	"binary_stamps",
	"source_classes",
	"products",
	"internal_deps",
	"external_deps",
	"library_deps",
	"library_classes",
	"used_names",
	"class_apis",
	"name_hashes",
	"problems",
	"main_classes",
	"compilations",
	"meta",
}

// AnalysisStore persists one project's analysis in the project
// database. A write replaces the stored analysis wholesale inside a
// single transaction, so a reader never sees a half-written state and
// a failed write leaves the previous analysis intact.
type AnalysisStore struct {
	db     *DB
	logger *logging.Logger
}

// NewAnalysisStore creates a store backed by an open database.
func NewAnalysisStore(db *DB, logger *logging.Logger) *AnalysisStore {
	return &AnalysisStore{db: db, logger: logger}
}

// WriteAnalysis replaces the stored analysis with a.
func (s *AnalysisStore) WriteAnalysis(a *analysis.Analysis) error {
	start := time.Now()
	err := s.db.WithTx(func(tx *sql.Tx) error {
		for _, table := range analysisTables {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		if err := insertStamps(tx, a); err != nil {
			return err
		}
		if err := insertRelations(tx, a); err != nil {
			return err
		}
		if err := insertAPIs(tx, a); err != nil {
			return err
		}
		if err := insertInfos(tx, a); err != nil {
			return err
		}
		return insertMeta(tx)
	})
	if err != nil {
		return fmt.Errorf("failed to write analysis: %w", err)
	}

	observability.StoreWriteDuration.Observe(time.Since(start).Seconds())
	stats := a.Stats()
	s.logger.Info("Analysis written", map[string]interface{}{
		"path":     s.db.Path(),
		"sources":  stats.Sources,
		"classes":  stats.Classes,
		"products": stats.Products,
	})
	return nil
}

// ReadAnalysis loads the stored analysis. A database that never held
// one reports AnalysisMissing; format mismatches report StoreCorrupt.
func (s *AnalysisStore) ReadAnalysis() (*analysis.Analysis, error) {
	version, err := s.readMeta("format_version")
	if err != nil {
		return nil, err
	}
	if version == "" {
		return nil, kilnerrors.New(kilnerrors.AnalysisMissing, "no analysis in store", nil).
			WithDetails(map[string]interface{}{"path": s.db.Path()})
	}
	if version != formatVersion {
		return nil, kilnerrors.New(kilnerrors.StoreCorrupt,
			fmt.Sprintf("unsupported analysis format %q", version), nil)
	}

	a := analysis.Empty()
	if err := s.readStamps(a); err != nil {
		return nil, err
	}
	if err := s.readRelations(a); err != nil {
		return nil, err
	}
	if err := s.readAPIs(a); err != nil {
		return nil, err
	}
	if err := s.readInfos(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *AnalysisStore) readMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

func insertMeta(tx *sql.Tx) error {
	meta := map[string]string{
		"format_version": formatVersion,
		"written_at":     time.Now().UTC().Format(time.RFC3339),
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := tx.Exec("INSERT INTO meta (key, value) VALUES (?, ?)", k, meta[k]); err != nil {
			return fmt.Errorf("insert meta %s: %w", k, err)
		}
	}
	return nil
}

func insertStamps(tx *sql.Tx, a *analysis.Analysis) error {
	stmt, err := tx.Prepare("INSERT INTO source_stamps (source, stamp) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare source_stamps insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // Best effort cleanup

	for _, src := range a.Sources() {
		if _, err := stmt.Exec(src, a.SourceStamps[src].String()); err != nil {
			return fmt.Errorf("insert source_stamp for %s: %w", src, err)
		}
	}

	binStmt, err := tx.Prepare("INSERT INTO binary_stamps (file, stamp) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare binary_stamps insert: %w", err)
	}
	defer binStmt.Close() //nolint:errcheck // Best effort cleanup

	files := make([]string, 0, len(a.BinaryStamps))
	for f := range a.BinaryStamps {
		files = append(files, f)
	}
	sort.Strings(files)
	for _, f := range files {
		if _, err := binStmt.Exec(f, a.BinaryStamps[f].String()); err != nil {
			return fmt.Errorf("insert binary_stamp for %s: %w", f, err)
		}
	}
	return nil
}

func insertRelations(tx *sql.Tx, a *analysis.Analysis) error {
	rel := a.Relations

	classStmt, err := tx.Prepare("INSERT INTO source_classes (source, class_name) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare source_classes insert: %w", err)
	}
	defer classStmt.Close() //nolint:errcheck // Best effort cleanup

	prodStmt, err := tx.Prepare(`
		INSERT INTO products (source, file, stamp, local, source_class, binary_class)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare products insert: %w", err)
	}
	defer prodStmt.Close() //nolint:errcheck // Best effort cleanup

	libStmt, err := tx.Prepare("INSERT INTO library_deps (source, file) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare library_deps insert: %w", err)
	}
	defer libStmt.Close() //nolint:errcheck // Best effort cleanup

	for _, src := range rel.AllSources() {
		for _, class := range rel.ClassesOf(src) {
			if _, err := classStmt.Exec(src, class); err != nil {
				return fmt.Errorf("insert source_class for %s: %w", src, err)
			}
		}
		for _, p := range rel.ProductsOf(src) {
			local := 0
			if p.Local {
				local = 1
			}
			if _, err := prodStmt.Exec(src, p.File, p.Stamp, local, p.SourceClassName, p.BinaryClassName); err != nil {
				return fmt.Errorf("insert product for %s: %w", src, err)
			}
		}
		for _, lib := range rel.LibraryDependenciesOf(src) {
			if _, err := libStmt.Exec(src, lib); err != nil {
				return fmt.Errorf("insert library_dep for %s: %w", src, err)
			}
		}
	}

	libClassStmt, err := tx.Prepare("INSERT INTO library_classes (file, binary_class) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare library_classes insert: %w", err)
	}
	defer libClassStmt.Close() //nolint:errcheck // Best effort cleanup

	for _, file := range rel.LibraryFiles() {
		for _, class := range rel.LibraryClassNamesOf(file) {
			if _, err := libClassStmt.Exec(file, class); err != nil {
				return fmt.Errorf("insert library_class for %s: %w", file, err)
			}
		}
	}

	intStmt, err := tx.Prepare("INSERT INTO internal_deps (from_class, to_class, context) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare internal_deps insert: %w", err)
	}
	defer intStmt.Close() //nolint:errcheck // Best effort cleanup

	extStmt, err := tx.Prepare("INSERT INTO external_deps (from_class, to_binary, context) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare external_deps insert: %w", err)
	}
	defer extStmt.Close() //nolint:errcheck // Best effort cleanup

	for _, ctx := range analysis.Contexts {
		for _, edge := range rel.InternalEdges(ctx) {
			if _, err := intStmt.Exec(edge[0], edge[1], string(ctx)); err != nil {
				return fmt.Errorf("insert internal_dep %s -> %s: %w", edge[0], edge[1], err)
			}
		}
		for _, edge := range rel.ExternalEdges(ctx) {
			if _, err := extStmt.Exec(edge[0], edge[1], string(ctx)); err != nil {
				return fmt.Errorf("insert external_dep %s -> %s: %w", edge[0], edge[1], err)
			}
		}
	}

	nameStmt, err := tx.Prepare("INSERT INTO used_names (class_name, name, scopes) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare used_names insert: %w", err)
	}
	defer nameStmt.Close() //nolint:errcheck // Best effort cleanup

	for _, class := range rel.AllClasses() {
		used := rel.UsedNamesOf(class)
		names := make([]string, 0, len(used))
		for name := range used {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, err := nameStmt.Exec(class, name, used[name].String()); err != nil {
				return fmt.Errorf("insert used_name for %s: %w", class, err)
			}
		}
	}
	return nil
}

func insertAPIs(tx *sql.Tx, a *analysis.Analysis) error {
	apiStmt, err := tx.Prepare(`
		INSERT INTO class_apis (class_name, origin, compiled_at, api_hash, has_macro)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare class_apis insert: %w", err)
	}
	defer apiStmt.Close() //nolint:errcheck // Best effort cleanup

	hashStmt, err := tx.Prepare(`
		INSERT INTO name_hashes (class_name, origin, name, scopes, hash)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare name_hashes insert: %w", err)
	}
	defer hashStmt.Close() //nolint:errcheck // Best effort cleanup

	insert := func(origin string, apis map[string]classapi.AnalyzedClass) error {
		names := make([]string, 0, len(apis))
		for name := range apis {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ac := apis[name]
			macro := 0
			if ac.HasMacro {
				macro = 1
			}
			if _, err := apiStmt.Exec(ac.Name, origin, ac.CompiledAt.UnixNano(), int64(ac.APIHash), macro); err != nil {
				return fmt.Errorf("insert class_api for %s: %w", ac.Name, err)
			}
			for _, nh := range ac.NameHashes {
				if _, err := hashStmt.Exec(ac.Name, origin, nh.Name, nh.Scopes.String(), int64(nh.Hash)); err != nil {
					return fmt.Errorf("insert name_hash for %s.%s: %w", ac.Name, nh.Name, err)
				}
			}
		}
		return nil
	}

	if err := insert("internal", a.Internal); err != nil {
		return err
	}
	return insert("external", a.External)
}

func insertInfos(tx *sql.Tx, a *analysis.Analysis) error {
	probStmt, err := tx.Prepare(`
		INSERT INTO problems (source, seq, line, col, severity, category, message, reported)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare problems insert: %w", err)
	}
	defer probStmt.Close() //nolint:errcheck // Best effort cleanup

	mainStmt, err := tx.Prepare("INSERT INTO main_classes (source, class_name) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare main_classes insert: %w", err)
	}
	defer mainStmt.Close() //nolint:errcheck // Best effort cleanup

	sources := make([]string, 0, len(a.Infos))
	for src := range a.Infos {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		info := a.Infos[src]
		seq := 0
		writeProblem := func(p analysis.Problem, reported int) error {
			_, err := probStmt.Exec(src, seq, p.Line, p.Column, string(p.Severity), p.Category, p.Message, reported)
			seq++
			return err
		}
		for _, p := range info.Reported {
			if err := writeProblem(p, 1); err != nil {
				return fmt.Errorf("insert problem for %s: %w", src, err)
			}
		}
		for _, p := range info.Unreported {
			if err := writeProblem(p, 0); err != nil {
				return fmt.Errorf("insert problem for %s: %w", src, err)
			}
		}
		for _, class := range info.MainClasses {
			if _, err := mainStmt.Exec(src, class); err != nil {
				return fmt.Errorf("insert main_class for %s: %w", src, err)
			}
		}
	}

	compStmt, err := tx.Prepare(`
		INSERT INTO compilations (seq, build_id, started_at, output_dir, cycle)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare compilations insert: %w", err)
	}
	defer compStmt.Close() //nolint:errcheck // Best effort cleanup

	for i, c := range a.Compilations {
		if _, err := compStmt.Exec(i, c.ID, c.StartedAt.UnixNano(), c.OutputDir, c.Cycle); err != nil {
			return fmt.Errorf("insert compilation %d: %w", i, err)
		}
	}
	return nil
}

func (s *AnalysisStore) readStamps(a *analysis.Analysis) error {
	rows, err := s.db.Query("SELECT source, stamp FROM source_stamps")
	if err != nil {
		return fmt.Errorf("failed to read source_stamps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var src, raw string
		if err := rows.Scan(&src, &raw); err != nil {
			return fmt.Errorf("scan source_stamp: %w", err)
		}
		st, err := stamp.Parse(raw)
		if err != nil {
			return kilnerrors.New(kilnerrors.StoreCorrupt, fmt.Sprintf("bad stamp for %s", src), err)
		}
		a.SourceStamps[src] = st
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating source_stamps: %w", err)
	}

	binRows, err := s.db.Query("SELECT file, stamp FROM binary_stamps")
	if err != nil {
		return fmt.Errorf("failed to read binary_stamps: %w", err)
	}
	defer binRows.Close()

	for binRows.Next() {
		var file, raw string
		if err := binRows.Scan(&file, &raw); err != nil {
			return fmt.Errorf("scan binary_stamp: %w", err)
		}
		st, err := stamp.Parse(raw)
		if err != nil {
			return kilnerrors.New(kilnerrors.StoreCorrupt, fmt.Sprintf("bad stamp for %s", file), err)
		}
		a.BinaryStamps[file] = st
	}
	if err := binRows.Err(); err != nil {
		return fmt.Errorf("error iterating binary_stamps: %w", err)
	}
	return nil
}

func (s *AnalysisStore) readRelations(a *analysis.Analysis) error {
	rel := a.Relations

	rows, err := s.db.Query("SELECT source, class_name FROM source_classes")
	if err != nil {
		return fmt.Errorf("failed to read source_classes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var src, class string
		if err := rows.Scan(&src, &class); err != nil {
			return fmt.Errorf("scan source_class: %w", err)
		}
		rel.AddClass(src, class)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating source_classes: %w", err)
	}

	prodRows, err := s.db.Query("SELECT source, file, stamp, local, source_class, binary_class FROM products")
	if err != nil {
		return fmt.Errorf("failed to read products: %w", err)
	}
	defer prodRows.Close()
	for prodRows.Next() {
		var src string
		var p analysis.Product
		var local int
		if err := prodRows.Scan(&src, &p.File, &p.Stamp, &local, &p.SourceClassName, &p.BinaryClassName); err != nil {
			return fmt.Errorf("scan product: %w", err)
		}
		p.Local = local != 0
		rel.AddProduct(src, p)
	}
	if err := prodRows.Err(); err != nil {
		return fmt.Errorf("error iterating products: %w", err)
	}

	intRows, err := s.db.Query("SELECT from_class, to_class, context FROM internal_deps")
	if err != nil {
		return fmt.Errorf("failed to read internal_deps: %w", err)
	}
	defer intRows.Close()
	for intRows.Next() {
		var from, to, ctx string
		if err := intRows.Scan(&from, &to, &ctx); err != nil {
			return fmt.Errorf("scan internal_dep: %w", err)
		}
		rel.AddInternalDependency(from, to, analysis.DependencyContext(ctx))
	}
	if err := intRows.Err(); err != nil {
		return fmt.Errorf("error iterating internal_deps: %w", err)
	}

	extRows, err := s.db.Query("SELECT from_class, to_binary, context FROM external_deps")
	if err != nil {
		return fmt.Errorf("failed to read external_deps: %w", err)
	}
	defer extRows.Close()
	for extRows.Next() {
		var from, to, ctx string
		if err := extRows.Scan(&from, &to, &ctx); err != nil {
			return fmt.Errorf("scan external_dep: %w", err)
		}
		rel.AddExternalDependency(from, to, analysis.DependencyContext(ctx))
	}
	if err := extRows.Err(); err != nil {
		return fmt.Errorf("error iterating external_deps: %w", err)
	}

	libRows, err := s.db.Query("SELECT source, file FROM library_deps")
	if err != nil {
		return fmt.Errorf("failed to read library_deps: %w", err)
	}
	defer libRows.Close()
	for libRows.Next() {
		var src, file string
		if err := libRows.Scan(&src, &file); err != nil {
			return fmt.Errorf("scan library_dep: %w", err)
		}
		rel.AddLibraryDependency(src, file, "")
	}
	if err := libRows.Err(); err != nil {
		return fmt.Errorf("error iterating library_deps: %w", err)
	}

	libClassRows, err := s.db.Query("SELECT file, binary_class FROM library_classes")
	if err != nil {
		return fmt.Errorf("failed to read library_classes: %w", err)
	}
	defer libClassRows.Close()
	for libClassRows.Next() {
		var file, class string
		if err := libClassRows.Scan(&file, &class); err != nil {
			return fmt.Errorf("scan library_class: %w", err)
		}
		rel.AddLibraryClass(file, class)
	}
	if err := libClassRows.Err(); err != nil {
		return fmt.Errorf("error iterating library_classes: %w", err)
	}

	nameRows, err := s.db.Query("SELECT class_name, name, scopes FROM used_names")
	if err != nil {
		return fmt.Errorf("failed to read used_names: %w", err)
	}
	defer nameRows.Close()
	for nameRows.Next() {
		var class, name, scopes string
		if err := nameRows.Scan(&class, &name, &scopes); err != nil {
			return fmt.Errorf("scan used_name: %w", err)
		}
		rel.AddUsedName(class, name, classapi.ParseScopeSet(scopes))
	}
	if err := nameRows.Err(); err != nil {
		return fmt.Errorf("error iterating used_names: %w", err)
	}
	return nil
}

func (s *AnalysisStore) readAPIs(a *analysis.Analysis) error {
	type key struct {
		origin string
		class  string
	}
	hashes := make(map[key]classapi.NameHashes)

	hashRows, err := s.db.Query(`
		SELECT class_name, origin, name, scopes, hash
		FROM name_hashes
		ORDER BY class_name, origin, name
	`)
	if err != nil {
		return fmt.Errorf("failed to read name_hashes: %w", err)
	}
	defer hashRows.Close()
	for hashRows.Next() {
		var class, origin, name, scopes string
		var hash int64
		if err := hashRows.Scan(&class, &origin, &name, &scopes, &hash); err != nil {
			return fmt.Errorf("scan name_hash: %w", err)
		}
		k := key{origin: origin, class: class}
		hashes[k] = append(hashes[k], classapi.NameHash{
			Name:   name,
			Scopes: classapi.ParseScopeSet(scopes),
			Hash:   uint64(hash),
		})
	}
	if err := hashRows.Err(); err != nil {
		return fmt.Errorf("error iterating name_hashes: %w", err)
	}

	apiRows, err := s.db.Query("SELECT class_name, origin, compiled_at, api_hash, has_macro FROM class_apis")
	if err != nil {
		return fmt.Errorf("failed to read class_apis: %w", err)
	}
	defer apiRows.Close()
	for apiRows.Next() {
		var class, origin string
		var compiledAt, apiHash int64
		var macro int
		if err := apiRows.Scan(&class, &origin, &compiledAt, &apiHash, &macro); err != nil {
			return fmt.Errorf("scan class_api: %w", err)
		}
		ac := classapi.AnalyzedClass{
			Name:       class,
			CompiledAt: time.Unix(0, compiledAt).UTC(),
			APIHash:    uint64(apiHash),
			NameHashes: hashes[key{origin: origin, class: class}],
			HasMacro:   macro != 0,
		}
		switch origin {
		case "internal":
			a.Internal[class] = ac
		case "external":
			a.External[class] = ac
		default:
			return kilnerrors.New(kilnerrors.StoreCorrupt,
				fmt.Sprintf("unknown API origin %q for %s", origin, class), nil)
		}
	}
	if err := apiRows.Err(); err != nil {
		return fmt.Errorf("error iterating class_apis: %w", err)
	}
	return nil
}

func (s *AnalysisStore) readInfos(a *analysis.Analysis) error {
	info := func(src string) *analysis.SourceInfo {
		si, ok := a.Infos[src]
		if !ok {
			si = &analysis.SourceInfo{}
			a.Infos[src] = si
		}
		return si
	}

	probRows, err := s.db.Query(`
		SELECT source, line, col, severity, category, message, reported
		FROM problems
		ORDER BY source, seq
	`)
	if err != nil {
		return fmt.Errorf("failed to read problems: %w", err)
	}
	defer probRows.Close()
	for probRows.Next() {
		var src, severity, category, message string
		var line, col, reported int
		if err := probRows.Scan(&src, &line, &col, &severity, &category, &message, &reported); err != nil {
			return fmt.Errorf("scan problem: %w", err)
		}
		p := analysis.Problem{
			Source:   src,
			Line:     line,
			Column:   col,
			Severity: analysis.Severity(severity),
			Category: category,
			Message:  message,
		}
		si := info(src)
		if reported != 0 {
			si.Reported = append(si.Reported, p)
		} else {
			si.Unreported = append(si.Unreported, p)
		}
	}
	if err := probRows.Err(); err != nil {
		return fmt.Errorf("error iterating problems: %w", err)
	}

	mainRows, err := s.db.Query("SELECT source, class_name FROM main_classes ORDER BY source, class_name")
	if err != nil {
		return fmt.Errorf("failed to read main_classes: %w", err)
	}
	defer mainRows.Close()
	for mainRows.Next() {
		var src, class string
		if err := mainRows.Scan(&src, &class); err != nil {
			return fmt.Errorf("scan main_class: %w", err)
		}
		si := info(src)
		si.MainClasses = append(si.MainClasses, class)
	}
	if err := mainRows.Err(); err != nil {
		return fmt.Errorf("error iterating main_classes: %w", err)
	}

	compRows, err := s.db.Query("SELECT build_id, started_at, output_dir, cycle FROM compilations ORDER BY seq")
	if err != nil {
		return fmt.Errorf("failed to read compilations: %w", err)
	}
	defer compRows.Close()
	for compRows.Next() {
		var c analysis.Compilation
		var startedAt int64
		if err := compRows.Scan(&c.ID, &startedAt, &c.OutputDir, &c.Cycle); err != nil {
			return fmt.Errorf("scan compilation: %w", err)
		}
		c.StartedAt = time.Unix(0, startedAt).UTC()
		a.Compilations = append(a.Compilations, c)
	}
	if err := compRows.Err(); err != nil {
		return fmt.Errorf("error iterating compilations: %w", err)
	}
	return nil
}
