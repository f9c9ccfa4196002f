package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sells-group/fundsync/internal/model"
)

// criteriaFlags are the search filters shared by search, harvest and
// schedule.
type criteriaFlags struct {
	year       int
	reportType string
	fundType   string
	company    string
	fundCode   string
	fundName   string
	startDate  string
	endDate    string
	page       int
	pageSize   int
}

func (f *criteriaFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&f.year, "year", 0, "report year")
	fs.StringVar(&f.reportType, "type", "", "report type (annual, semi_annual, q1..q4, profile, or the Chinese label)")
	fs.StringVar(&f.fundType, "fund-type", "", "fund type filter")
	fs.StringVar(&f.company, "company", "", "fund company short name")
	fs.StringVar(&f.fundCode, "code", "", "fund code")
	fs.StringVar(&f.fundName, "name", "", "fund short name")
	fs.StringVar(&f.startDate, "from", "", "report send date lower bound (YYYY-MM-DD)")
	fs.StringVar(&f.endDate, "to", "", "report send date upper bound (YYYY-MM-DD)")
	fs.IntVar(&f.page, "page", 1, "first page to fetch")
	fs.IntVar(&f.pageSize, "page-size", 0, "rows per page (default from config)")
}

// criteria converts the flags. Validation happens in the portal client.
func (f *criteriaFlags) criteria() (model.SearchCriteria, error) {
	c := model.SearchCriteria{
		Year:             f.year,
		CompanyShortName: f.company,
		FundCode:         f.fundCode,
		FundShortName:    f.fundName,
		Page:             f.page,
		PageSize:         f.pageSize,
	}
	if c.PageSize == 0 && cfg != nil {
		c.PageSize = cfg.Portal.PageSize
	}
	if f.reportType != "" {
		rt, err := model.ParseReportType(f.reportType)
		if err != nil {
			return c, err
		}
		c.ReportType = rt
	}
	if f.fundType != "" {
		ft, err := model.ParseFundType(f.fundType)
		if err != nil {
			return c, err
		}
		c.FundType = ft
	}
	for _, d := range []struct {
		raw string
		dst **time.Time
	}{{f.startDate, &c.StartDate}, {f.endDate, &c.EndDate}} {
		if d.raw == "" {
			continue
		}
		t, err := time.Parse(model.DateLayout, d.raw)
		if err != nil {
			return c, eris.Wrapf(err, "parse date %q", d.raw)
		}
		*d.dst = &t
	}
	c.Normalize()
	return c, nil
}

var (
	searchFlags criteriaFlags
	searchAll   bool
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the disclosure portal and print report references",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		criteria, err := searchFlags.criteria()
		if err != nil {
			return err
		}
		client, err := initPortal()
		if err != nil {
			return err
		}

		var refs []model.ReportReference
		hasNext := false
		if searchAll {
			refs, err = client.SearchAll(ctx, criteria, cfg.Portal.MaxPages)
		} else {
			refs, hasNext, err = client.Search(ctx, criteria)
		}
		if err != nil {
			return eris.Wrap(err, "search")
		}
		if err := writeJSONLines(cmd.OutOrStdout(), refs); err != nil {
			return err
		}
		if hasNext {
			fmt.Fprintf(cmd.ErrOrStderr(), "more results: rerun with --page %d or --all\n", criteria.Page+1)
		}
		return nil
	},
}

func writeJSONLines[T any](w io.Writer, items []T) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return eris.Wrap(err, "write output")
		}
	}
	return nil
}

func init() {
	searchFlags.register(searchCmd.Flags())
	searchCmd.Flags().BoolVar(&searchAll, "all", false, "follow pagination up to portal.max_pages")
	rootCmd.AddCommand(searchCmd)
}
