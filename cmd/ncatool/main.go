package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/Johnson4242/nxdumptool/pkg/keys"
	"github.com/Johnson4242/nxdumptool/pkg/nca"
	"github.com/Johnson4242/nxdumptool/pkg/ncz"
	"github.com/Johnson4242/nxdumptool/pkg/pfs0"
)

func main() {
	keysPath := flag.StringP("keys", "k", "", "Path to prod.keys")
	outPath := flag.StringP("out", "o", "", "Write the modified archive here (only when a mutation flag is given)")
	setDist := flag.String("set-distribution", "", "Rewrite the distribution type (download|gamecard)")
	removeTitleKey := flag.Bool("remove-titlekey-crypto", false, "Convert titlekey crypto to standard key-area crypto")
	verbose := flag.BoolP("verbose", "v", false, "Verbose engine logging")
	flag.Parse()

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.WarnLevel)
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Println("Usage: ncatool [options] <file.nca|file.ncz|file.nsp>")
		flag.PrintDefaults()
		return
	}

	store := keys.NewStore()
	var err error
	if *keysPath != "" {
		err = store.Load(*keysPath)
	} else {
		err = store.LoadDefault()
	}
	if err != nil {
		fmt.Printf("Warning: Could not load keys: %v\n", err)
		fmt.Println("Please provide keys file with -k or place in ~/.switch/prod.keys")
	} else if err := store.Derive(); err != nil {
		fmt.Printf("Warning: key derivation incomplete: %v\n", err)
	}

	inputFile := args[0]
	f, err := os.Open(inputFile)
	if err != nil {
		fmt.Printf("Error opening file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	defer nca.FreeStagingBuffer()

	mut := mutations{
		setDistribution: *setDist,
		removeTitleKey:  *removeTitleKey,
		outPath:         *outPath,
	}

	switch {
	case isPfs0(f):
		processNsp(f, fi.Size(), store, log, mut)
	case ncz.IsNCZ(f):
		processNcz(inputFile, f, fi.Size(), store, log, mut)
	default:
		tickets := pfs0.NewTicketStore(store)
		processNca(inputFile, f, fi.Size(), store, tickets, log, mut)
	}
}

type mutations struct {
	setDistribution string
	removeTitleKey  bool
	outPath         string
}

func (m mutations) any() bool {
	return m.setDistribution != "" || m.removeTitleKey
}

func isPfs0(r io.ReaderAt) bool {
	magic := make([]byte, 4)
	if _, err := r.ReadAt(magic, 0); err != nil {
		return false
	}
	return string(magic) == "PFS0"
}

// contentIDFromName derives the content id from a 32-hex-char file stem,
// the way dumps are conventionally named.
func contentIDFromName(path string) [16]byte {
	var id [16]byte
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stem = strings.TrimSuffix(stem, ".cnmt")
	if raw, err := hex.DecodeString(stem); err == nil && len(raw) == 16 {
		copy(id[:], raw)
	}
	return id
}

func processNsp(f *os.File, size int64, store *keys.Store, log *logrus.Logger, mut mutations) {
	files, headerSize, err := pfs0.Open(f)
	if err != nil {
		fmt.Printf("Error parsing PFS0: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Found valid PFS0 (NSP) with %d files.\n", len(files))

	tickets := pfs0.NewTicketStore(store)
	if err := tickets.Scan(f, files, headerSize); err != nil {
		fmt.Printf("Warning: ticket scan: %v\n", err)
	}

	for _, file := range files {
		if strings.ToLower(filepath.Ext(file.Name)) != ".nca" {
			continue
		}
		fmt.Printf("\n== %s ==\n", file.Name)
		sr := pfs0.SectionReader(f, file, headerSize)
		processNca(file.Name, sr, int64(file.Entry.DataSize), store, tickets, log, mutations{})
	}
}

func processNcz(inputFile string, f *os.File, size int64, store *keys.Store, log *logrus.Logger, mut mutations) {
	fmt.Println("Compressed archive, reconstructing...")
	r, n, err := ncz.Reader(f, size)
	if err != nil {
		fmt.Printf("Error reconstructing archive: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Reconstructed %d bytes.\n", n)
	tickets := pfs0.NewTicketStore(store)
	processNca(inputFile, r, n, store, tickets, log, mut)
}

func processNca(name string, r io.ReaderAt, size int64, store *keys.Store, tickets keys.TicketProvider, log *logrus.Logger, mut mutations) {
	ctx, err := nca.Open(r, nca.Options{
		Size:      size,
		ContentID: contentIDFromName(name),
		Keys:      store,
		Tickets:   tickets,
		Log:       log,
	})
	if err != nil {
		fmt.Printf("Not a valid archive: %v\n", err)
		os.Exit(1)
	}

	printInfo(ctx)

	if !mut.any() {
		return
	}

	switch strings.ToLower(mut.setDistribution) {
	case "":
	case "download":
		ctx.SetDistributionType(nca.DistributionDownload)
	case "gamecard":
		ctx.SetDistributionType(nca.DistributionGameCard)
	default:
		fmt.Printf("Unknown distribution type %q\n", mut.setDistribution)
		os.Exit(1)
	}

	if mut.removeTitleKey {
		if err := ctx.RemoveTitleKeyCrypto(); err != nil {
			fmt.Printf("Error removing titlekey crypto: %v\n", err)
			os.Exit(1)
		}
	}

	if mut.outPath == "" {
		fmt.Println("Header modified; pass -o to write the archive out.")
		return
	}
	if err := writeModified(ctx, r, size, mut.outPath); err != nil {
		fmt.Printf("Error writing %s: %v\n", mut.outPath, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s.\n", mut.outPath)
}

// writeModified streams the archive out with the re-encrypted header
// overlaid onto the raw bytes.
func writeModified(ctx *nca.Context, r io.ReaderAt, size int64, outPath string) error {
	pr, pw := io.Pipe()

	go func() {
		const chunkSize = 0x800000
		buf := make([]byte, chunkSize)
		var offset int64
		for offset < size {
			n := int64(len(buf))
			if size-offset < n {
				n = size - offset
			}
			if _, err := r.ReadAt(buf[:n], offset); err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := ctx.WriteHeaderTo(buf[:n], offset); err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := pw.Write(buf[:n]); err != nil {
				return
			}
			offset += n
		}
		pw.Close()
	}()

	return atomic.WriteFile(outPath, pr)
}

func printInfo(ctx *nca.Context) {
	fmt.Printf("Format version: %s\n", ctx.Version)
	fmt.Printf("Content size:   0x%X\n", ctx.Size())
	fmt.Printf("Key generation: %d\n", ctx.KeyGeneration)
	fmt.Printf("Signature:      %s\n", map[bool]string{true: "valid", false: "UNVERIFIED"}[ctx.HeaderSignatureValid()])
	if ctx.HasRightsID() {
		fmt.Printf("Rights ID:      %x\n", ctx.Header.RightsID)
	}
	for i := 0; i < nca.MaxSections; i++ {
		sec := ctx.Section(i)
		if sec == nil {
			continue
		}
		sparse := ""
		if sec.HasSparseLayer() {
			sparse = " (sparse)"
		}
		fmt.Printf("Section %d:      %s, %s, offset 0x%X, size 0x%X%s\n",
			i, sec.Type, sec.Encryption, sec.Offset, sec.Size, sparse)
	}
}
