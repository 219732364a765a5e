// bankcli is the command-line client for the UDP banking server. Each
// subcommand performs one request under the selected invocation
// semantics; monitor mode registers for callbacks and prints account
// updates as they arrive.
package main

import (
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/bankd/bankd/client"
	"github.com/bankd/bankd/wire"
)

var (
	serverFlag = &cli.StringFlag{
		Name:  "server",
		Usage: "Server address (host:port)",
		Value: "127.0.0.1:8888",
	}
	clientIDFlag = &cli.UintFlag{
		Name:  "client-id",
		Usage: "32-bit client identifier (random when unset)",
	}
	semanticsFlag = &cli.StringFlag{
		Name:  "semantics",
		Usage: `Invocation semantics: "alo" or "amo"`,
		Value: "amo",
	}
	checksumFlag = &cli.BoolFlag{
		Name:  "checksum",
		Usage: "Append a CRC32 trailer to requests",
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "Initial reply timeout (doubles per retry)",
		Value: client.DefaultRetryPolicy.InitialTimeout,
	}
	retriesFlag = &cli.IntFlag{
		Name:  "retries",
		Usage: "Retransmissions after the first attempt",
		Value: client.DefaultRetryPolicy.MaxRetries,
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 2,
	}

	userFlag     = &cli.StringFlag{Name: "user", Usage: "Account owner", Required: true}
	passwordFlag = &cli.StringFlag{Name: "password", Usage: "Account password", Required: true}
	accountFlag  = &cli.StringFlag{Name: "account", Usage: "Account number", Required: true}
	currencyFlag = &cli.StringFlag{Name: "currency", Usage: "Currency code (SGD, USD, EUR, GBP, JPY, CNY)"}
	amountFlag   = &cli.Int64Flag{Name: "amount", Usage: "Amount in minor units (cents)", Required: true}
)

var commonFlags = []cli.Flag{
	serverFlag, clientIDFlag, semanticsFlag, checksumFlag,
	timeoutFlag, retriesFlag, verbosityFlag,
}

var app = &cli.App{
	Name:  "bankcli",
	Usage: "Command-line client for the UDP banking server",
	Flags: commonFlags,
	Commands: []*cli.Command{
		{
			Name:   "open",
			Usage:  "Open an account",
			Flags:  []cli.Flag{userFlag, passwordFlag, mustCurrencyFlag(), initialFlag},
			Action: doOpen,
		},
		{
			Name:   "close",
			Usage:  "Close an account",
			Flags:  []cli.Flag{userFlag, passwordFlag, accountFlag},
			Action: doClose,
		},
		{
			Name:   "deposit",
			Usage:  "Deposit funds",
			Flags:  []cli.Flag{userFlag, passwordFlag, accountFlag, amountFlag, currencyFlag},
			Action: doMove(wire.OpDeposit),
		},
		{
			Name:   "withdraw",
			Usage:  "Withdraw funds",
			Flags:  []cli.Flag{userFlag, passwordFlag, accountFlag, amountFlag, currencyFlag},
			Action: doMove(wire.OpWithdraw),
		},
		{
			Name:   "balance",
			Usage:  "Query the account balance",
			Flags:  []cli.Flag{userFlag, passwordFlag, accountFlag},
			Action: doBalance,
		},
		{
			Name:   "transfer",
			Usage:  "Transfer funds between two accounts",
			Flags:  []cli.Flag{userFlag, passwordFlag, accountFlag, toAccountFlag, amountFlag},
			Action: doTransfer,
		},
		{
			Name:   "register",
			Usage:  "Register this client for account update callbacks",
			Flags:  []cli.Flag{ttlFlag},
			Action: doRegister,
		},
		{
			Name:   "monitor",
			Usage:  "Register for account update callbacks and print them",
			Flags:  []cli.Flag{monitorTTLFlag},
			Action: doMonitor,
		},
		{
			Name:   "unregister",
			Usage:  "Cancel this client's callback registration",
			Action: doUnregister,
		},
	},
}

var (
	initialFlag = &cli.Int64Flag{
		Name:  "initial",
		Usage: "Initial balance in minor units",
	}
	toAccountFlag = &cli.StringFlag{
		Name:     "to",
		Usage:    "Destination account number",
		Required: true,
	}
	ttlFlag = &cli.UintFlag{
		Name:  "ttl",
		Usage: "Registration lifetime in seconds",
		Value: 3600,
	}
	monitorTTLFlag = &cli.DurationFlag{
		Name:  "interval",
		Usage: "How long to monitor before exiting",
		Value: 5 * time.Minute,
	}
)

func mustCurrencyFlag() cli.Flag {
	f := *currencyFlag
	f.Required = true
	f.Value = ""
	return &f
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dial(ctx *cli.Context) (*client.Client, error) {
	setupLogger(ctx)

	sem := wire.AtMostOnce
	switch ctx.String(semanticsFlag.Name) {
	case "amo":
	case "alo":
		sem = wire.AtLeastOnce
	default:
		return nil, fmt.Errorf("invalid semantics %q", ctx.String(semanticsFlag.Name))
	}

	id := uint32(ctx.Uint(clientIDFlag.Name))
	if !ctx.IsSet(clientIDFlag.Name) {
		id = rand.Uint32()
	}
	cfg := client.Config{
		Retry: client.RetryPolicy{
			InitialTimeout: ctx.Duration(timeoutFlag.Name),
			MaxRetries:     ctx.Int(retriesFlag.Name),
		},
		Semantics: sem,
		Checksum:  ctx.Bool(checksumFlag.Name),
	}
	return client.Dial(ctx.String(serverFlag.Name), id, cfg)
}

func parseCurrency(ctx *cli.Context) (wire.Currency, bool, error) {
	if !ctx.IsSet(currencyFlag.Name) {
		return 0, false, nil
	}
	cur, err := wire.ParseCurrency(ctx.String(currencyFlag.Name))
	if err != nil {
		return 0, false, err
	}
	return cur, true, nil
}

func doOpen(ctx *cli.Context) error {
	cur, _, err := parseCurrency(ctx)
	if err != nil {
		return err
	}
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	accountNo, balance, err := c.OpenAccount(
		ctx.String(userFlag.Name), ctx.String(passwordFlag.Name), cur, ctx.Int64(initialFlag.Name))
	if err != nil {
		return err
	}
	fmt.Printf("opened %s balance %s %s\n", accountNo, formatCents(balance), cur)
	return nil
}

func doClose(ctx *cli.Context) error {
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	final, err := c.CloseAccount(
		ctx.String(userFlag.Name), ctx.String(passwordFlag.Name), ctx.String(accountFlag.Name))
	if err != nil {
		return err
	}
	fmt.Printf("closed %s final balance %s\n", ctx.String(accountFlag.Name), formatCents(final))
	return nil
}

func doMove(op wire.OpCode) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		cur, hasCur, err := parseCurrency(ctx)
		if err != nil {
			return err
		}
		c, err := dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		user := ctx.String(userFlag.Name)
		password := ctx.String(passwordFlag.Name)
		account := ctx.String(accountFlag.Name)
		amount := ctx.Int64(amountFlag.Name)
		var balance int64
		if op == wire.OpDeposit {
			balance, err = c.Deposit(user, password, account, amount, cur, hasCur)
		} else {
			balance, err = c.Withdraw(user, password, account, amount, cur, hasCur)
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s new balance %s\n", account, formatCents(balance))
		return nil
	}
}

func doBalance(ctx *cli.Context) error {
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	balance, cur, err := c.QueryBalance(
		ctx.String(userFlag.Name), ctx.String(passwordFlag.Name), ctx.String(accountFlag.Name))
	if err != nil {
		return err
	}
	fmt.Printf("%s balance %s %s\n", ctx.String(accountFlag.Name), formatCents(balance), cur)
	return nil
}

func doTransfer(ctx *cli.Context) error {
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	balance, err := c.Transfer(
		ctx.String(userFlag.Name), ctx.String(passwordFlag.Name),
		ctx.String(accountFlag.Name), ctx.String(toAccountFlag.Name), ctx.Int64(amountFlag.Name))
	if err != nil {
		return err
	}
	fmt.Printf("transferred, %s new balance %s\n", ctx.String(accountFlag.Name), formatCents(balance))
	return nil
}

func doMonitor(ctx *cli.Context) error {
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	interval := ctx.Duration(monitorTTLFlag.Name)
	ttl := uint32(interval / time.Second)
	if ttl == 0 {
		ttl = 1
	}
	if err := c.RegisterCallback(ttl); err != nil {
		return err
	}
	fmt.Printf("monitoring for %v (client %d)\n", interval, c.ClientID())

	err = c.Listen(interval, func(msg *wire.Message) {
		accountNo, _ := msg.Payload.AccountNo()
		balance, _ := msg.Payload.AmountCents()
		fmt.Printf("%s update: %s balance %s\n",
			time.Now().Format(time.TimeOnly), accountNo, formatCents(balance))
	})
	if err != nil {
		return err
	}
	// Best effort: the registration would lapse on its own anyway.
	if err := c.UnregisterCallback(); err != nil {
		log.Warn("Unregister failed", "err", err)
	}
	fmt.Println("monitoring window elapsed")
	return nil
}

func doRegister(ctx *cli.Context) error {
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.RegisterCallback(uint32(ctx.Uint(ttlFlag.Name))); err != nil {
		return err
	}
	fmt.Printf("registered client %d for %d seconds\n", c.ClientID(), ctx.Uint(ttlFlag.Name))
	return nil
}

func doUnregister(ctx *cli.Context) error {
	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.UnregisterCallback()
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign, cents = "-", -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func setupLogger(ctx *cli.Context) {
	usecolor := isatty.IsTerminal(os.Stderr.Fd()) && os.Getenv("TERM") != "dumb"
	glogger := log.NewGlogHandler(log.NewTerminalHandler(os.Stderr, usecolor))
	glogger.Verbosity(log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)))
	log.SetDefault(log.NewLogger(glogger))
}
