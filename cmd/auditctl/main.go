// auditctl 审计日志离线工具：校验、导出、压缩、策略重放与存证验真。
// 用法: auditctl <verify|export|compact|replay|proof> [选项]
// 压缩会改写审计文件，须在服务停止时执行。
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"lossguard/internal/audit"
	"lossguard/internal/models"
	"lossguard/internal/orchestrator"
	"lossguard/internal/policy"
	"lossguard/pkg/chain"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
	infoColor = color.New(color.FgCyan)
	warnColor = color.New(color.FgYellow)
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "用法: auditctl <command> [选项]\n\n")
	fmt.Fprintf(w, "  verify  -file audit.jsonl [-segments dir]        校验哈希链\n")
	fmt.Fprintf(w, "  export  -file audit.jsonl [-since N] [-o out]    导出 JSON 数组\n")
	fmt.Fprintf(w, "  compact -file audit.jsonl -upto N                压缩 seq<=N 的记录\n")
	fmt.Fprintf(w, "  replay  (-file audit.jsonl | -export out.json) [-rules rules.yaml]  重放策略决策\n")
	fmt.Fprintf(w, "  proof   -anchor dir -seq N                       校验单条记录的 Merkle 存证\n")
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	var err error
	switch args[0] {
	case "verify":
		err = cmdVerify(args[1:], stdout)
	case "export":
		err = cmdExport(args[1:], stdout)
	case "compact":
		err = cmdCompact(args[1:], stdout)
	case "replay":
		err = cmdReplay(args[1:], stdout)
	case "proof":
		err = cmdProof(args[1:], stdout)
	case "-h", "--help", "help":
		usage(stdout)
		return 0
	default:
		usage(stderr)
		return 2
	}
	if err == nil {
		return 0
	}
	if errors.Is(err, flag.ErrHelp) {
		return 2
	}
	failColor.Fprintf(stderr, "✗ %v\n", err)
	var fe failure
	if errors.As(err, &fe) {
		return 1
	}
	return 2
}

// failure 校验类失败（退出码 1），区别于参数或 IO 错误（退出码 2）。
type failure struct{ msg string }

func (f failure) Error() string { return f.msg }

type trailFlags struct {
	file     string
	segments string
}

func (tf *trailFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&tf.file, "file", "", "audit JSONL path")
	fs.StringVar(&tf.segments, "segments", "", "segment dir (default <dir of file>/segments)")
}

func (tf *trailFlags) open(ctx context.Context) (*audit.Trail, error) {
	if tf.file == "" {
		return nil, errors.New("-file required")
	}
	if _, err := os.Stat(tf.file); err != nil {
		return nil, err
	}
	store, err := audit.NewJSONLStore(tf.file, &audit.JSONLOptions{SegmentDir: tf.segments})
	if err != nil {
		return nil, err
	}
	return audit.Open(ctx, store)
}

func cmdVerify(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	var tf trailFlags
	tf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()
	trail, err := tf.open(ctx)
	if err != nil {
		return err
	}
	defer trail.Close()
	res, err := trail.VerifyDetailed(ctx)
	if err != nil {
		return err
	}
	if !res.OK {
		return failure{fmt.Sprintf("chain broken at seq %d: %s (checked %d records from seq %d)", res.BadSeq, res.Reason, res.Checked, res.FromSeq)}
	}
	next, head := trail.Head()
	okColor.Fprintf(out, "✓ chain ok: %d records verified from seq %d\n", res.Checked, res.FromSeq)
	infoColor.Fprintf(out, "  next_seq=%d head=%s\n", next, head)
	return nil
}

func cmdExport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	var tf trailFlags
	tf.register(fs)
	since := fs.Uint64("since", 0, "first seq to export")
	dest := fs.String("o", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx := context.Background()
	trail, err := tf.open(ctx)
	if err != nil {
		return err
	}
	defer trail.Close()
	recs, err := trail.Since(ctx, *since)
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []models.AuditRecord{}
	}
	w := out
	if *dest != "" {
		f, err := os.Create(*dest)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(recs); err != nil {
		return err
	}
	if *dest != "" {
		okColor.Fprintf(out, "✓ exported %d records to %s\n", len(recs), *dest)
	}
	return nil
}

func cmdCompact(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("compact", flag.ContinueOnError)
	var tf trailFlags
	tf.register(fs)
	upto := fs.Int64("upto", -1, "last seq to move into a cold segment")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *upto < 0 {
		return errors.New("-upto required")
	}
	ctx := context.Background()
	trail, err := tf.open(ctx)
	if err != nil {
		return err
	}
	defer trail.Close()
	p, err := trail.Compact(ctx, uint64(*upto))
	if err != nil {
		if errors.Is(err, audit.ErrChainBroken) {
			return failure{err.Error()}
		}
		return err
	}
	okColor.Fprintf(out, "✓ compacted seq [%d,%d] (%d records) into %s\n", p.FirstSeq, p.LastSeq, p.RecordCount, p.Segment)
	infoColor.Fprintf(out, "  merkle_root=%s\n", p.MerkleRoot)
	return nil
}

func cmdReplay(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	var tf trailFlags
	tf.register(fs)
	export := fs.String("export", "", "JSON array exported by 'auditctl export' or GET /v1/audit")
	rules := fs.String("rules", "", "policy rules YAML (default built-in parameters)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	engine, err := policy.NewEngineImpl(*rules)
	if err != nil {
		return err
	}
	var recs []models.AuditRecord
	switch {
	case *export != "":
		data, err := os.ReadFile(*export)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &recs); err != nil {
			return fmt.Errorf("parse export: %w", err)
		}
	default:
		ctx := context.Background()
		trail, err := tf.open(ctx)
		if err != nil {
			return err
		}
		defer trail.Close()
		if recs, err = trail.Since(ctx, 0); err != nil {
			return err
		}
	}
	entries, err := orchestrator.ReplayDecisions(engine, recs)
	if err != nil {
		return err
	}
	mismatched := 0
	for _, e := range entries {
		if e.Match() {
			continue
		}
		mismatched++
		warnColor.Fprintf(out, "≠ seq %d action %s (%s): recorded %s/%v rule=%s, replayed %s/%v rule=%s\n",
			e.Seq, e.Action.ID, e.Action.Type,
			e.Recorded.Severity, e.Recorded.Allow, e.Recorded.PolicyRuleID,
			e.Replayed.Severity, e.Replayed.Allow, e.Replayed.PolicyRuleID)
	}
	if mismatched > 0 {
		return failure{fmt.Sprintf("%d of %d decisions differ under current rules", mismatched, len(entries))}
	}
	okColor.Fprintf(out, "✓ %d decisions replayed, all identical\n", len(entries))
	return nil
}

func cmdProof(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("proof", flag.ContinueOnError)
	dir := fs.String("anchor", "", "anchor directory (anchor.path)")
	seq := fs.Int64("seq", -1, "audit record seq")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" || *seq < 0 {
		return errors.New("-anchor and -seq required")
	}
	store := chain.NewLocalStoreWithPath(*dir)
	defer store.Close()
	proof, err := chain.NewLedger(store).GetMerkleProof(context.Background(), uint64(*seq))
	if err != nil {
		return err
	}
	if !chain.VerifyProof(proof) {
		return failure{fmt.Sprintf("proof for seq %d does not match batch %s root %s", proof.Seq, proof.BatchID, proof.MerkleRoot)}
	}
	okColor.Fprintf(out, "✓ seq %d anchored in batch %s\n", proof.Seq, proof.BatchID)
	infoColor.Fprintf(out, "  leaf=%s root=%s\n", proof.LeafHash, proof.MerkleRoot)
	return nil
}
