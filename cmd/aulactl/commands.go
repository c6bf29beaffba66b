package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/agroup/go-aula-client/idp"
	"github.com/agroup/go-aula-client/internal/config"
	"github.com/agroup/go-aula-client/roles"
	"github.com/agroup/go-aula-client/session"
	"github.com/agroup/go-aula-client/storage"
	"github.com/agroup/go-aula-client/users"
)

type runtime struct {
	cfg         config.Config
	backend     storage.Backend
	store       *storage.Store
	coordinator *session.Coordinator
	log         zerolog.Logger
}

func setup(cliCtx *cli.Context) (*runtime, error) {
	cfg := config.New()
	log, ok := cliCtx.App.Metadata["logger"].(zerolog.Logger)
	if !ok {
		log = zerolog.Nop()
	}

	baseURL := cfg.GetAPIBaseURL()
	if override := cliCtx.String("api-url"); override != "" {
		baseURL = override
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "[setup] opening storage backend")
	}
	store := storage.New(backend)

	client := idp.NewClient(baseURL, idp.WithTimeouts(idp.Timeouts{
		Login:    cfg.GetLoginTimeout(),
		Validate: cfg.GetValidateTimeout(),
		Refresh:  cfg.GetRefreshTimeout(),
		Logout:   cfg.GetLogoutTimeout(),
		Profile:  cfg.GetProfileTimeout(),
	}))

	resolver := roles.NewResolver(store,
		roles.WithOverrideAllowed(!config.IsProduction(cfg)),
		roles.WithLogger(log))

	coordinator, err := session.NewCoordinator(client, store, resolver,
		session.WithLogger(log),
		session.WithRefreshThreshold(cfg.GetRefreshThreshold()),
		session.WithCheckInterval(cfg.GetCheckInterval()),
		session.WithRefreshCooldown(cfg.GetRefreshCooldown()))
	if err != nil {
		return nil, errors.Wrap(err, "[setup] creating session coordinator")
	}

	return &runtime{
		cfg:         cfg,
		backend:     backend,
		store:       store,
		coordinator: coordinator,
		log:         log,
	}, nil
}

func (r *runtime) close() {
	if err := r.store.Close(); err != nil {
		r.log.Warn().Err(err).Msg("closing session store")
	}
}

func openBackend(cfg config.Config) (storage.Backend, error) {
	switch cfg.GetStorageBackend() {
	case "sqlite":
		return storage.NewSQLiteBackend(cfg.GetStoragePath() + ".db")
	default:
		return storage.NewFileBackend(cfg.GetStoragePath())
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "authenticate against the identity provider and persist the session",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "username or email"},
			&cli.StringFlag{Name: "otp", Usage: "one-time password, when the account requires it"},
		},
		Action: func(cliCtx *cli.Context) error {
			rt, err := setup(cliCtx)
			if err != nil {
				return err
			}
			defer rt.close()

			banner(rt.cfg.GetAppName())

			username := cliCtx.String("user")
			if username == "" {
				username, err = promptLine("Usuario: ")
				if err != nil {
					return err
				}
			}
			password, err := promptPassword("Contraseña: ")
			if err != nil {
				return err
			}

			_, err = rt.coordinator.Login(cliCtx.Context, username, password, cliCtx.String("otp"))
			if session.IsOTPRequired(err) {
				otp, promptErr := promptLine("Código OTP: ")
				if promptErr != nil {
					return promptErr
				}
				_, err = rt.coordinator.Login(cliCtx.Context, username, password, otp)
			}
			if err != nil {
				return err
			}

			snap := rt.coordinator.Snapshot()
			if snap.Profile != nil {
				fmt.Printf("Sesión iniciada como %s (%s)\n", snap.Profile.Username, snap.Role)
			} else {
				fmt.Printf("Sesión iniciada (%s)\n", snap.Role)
			}
			return nil
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "clear the local session and notify the identity provider",
		Action: func(cliCtx *cli.Context) error {
			rt, err := setup(cliCtx)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.coordinator.Logout(cliCtx.Context); err != nil {
				return err
			}
			fmt.Println("Sesión cerrada")
			return nil
		},
	}
}

func whoamiCommand() *cli.Command {
	return &cli.Command{
		Name:  "whoami",
		Usage: "show the locally persisted session",
		Action: func(cliCtx *cli.Context) error {
			rt, err := setup(cliCtx)
			if err != nil {
				return err
			}
			defer rt.close()

			snap := rt.coordinator.Restore()
			if !snap.IsAuthenticated {
				fmt.Println("Sin sesión activa")
				return nil
			}
			if snap.Profile != nil {
				fmt.Printf("Usuario: %s\n", snap.Profile.Username)
				fmt.Printf("Email:   %s\n", snap.Profile.Email)
			}
			fmt.Printf("Rol:     %s\n", snap.Role)
			fmt.Printf("Expira:  %s\n", rt.coordinator.FormattedRemaining())
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "check the stored token against the identity provider",
		Action: func(cliCtx *cli.Context) error {
			rt, err := setup(cliCtx)
			if err != nil {
				return err
			}
			defer rt.close()

			rt.coordinator.Restore()
			if _, err := rt.coordinator.Validate(cliCtx.Context); err != nil {
				return err
			}
			fmt.Println("Sesión válida,", rt.coordinator.FormattedRemaining(), "restantes")
			return nil
		},
	}
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "exchange the refresh token for a new access token",
		Action: func(cliCtx *cli.Context) error {
			rt, err := setup(cliCtx)
			if err != nil {
				return err
			}
			defer rt.close()

			rt.coordinator.Restore()
			if _, err := rt.coordinator.RefreshToken(cliCtx.Context); err != nil {
				return err
			}
			fmt.Println("Token renovado,", rt.coordinator.FormattedRemaining(), "restantes")
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "keep the session alive, refreshing tokens before they expire",
		Action: func(cliCtx *cli.Context) error {
			rt, err := setup(cliCtx)
			if err != nil {
				return err
			}
			defer rt.close()

			snap := rt.coordinator.Restore()
			if !snap.IsAuthenticated {
				return errors.New("[run] no active session, log in first")
			}

			ctx, cancel := signal.NotifyContext(cliCtx.Context, syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if fileBackend, ok := rt.backend.(*storage.FileBackend); ok {
				changes, stop, watchErr := storage.Watch(fileBackend, rt.log)
				if watchErr != nil {
					rt.log.Warn().Err(watchErr).Msg("store watcher unavailable")
				} else {
					defer func() { _ = stop() }()
					go func() {
						for range changes {
							rt.coordinator.Restore()
							rt.log.Debug().Msg("session reloaded after store change")
						}
					}()
				}
			}

			rt.log.Info().Msg("session keeper running")
			rt.coordinator.Run(ctx)
			return nil
		},
	}
}

func profileCommand() *cli.Command {
	return &cli.Command{
		Name:  "profile",
		Usage: "show or edit the logged-in user's profile",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "fetch the profile from the identity provider",
				Action: func(cliCtx *cli.Context) error {
					rt, err := setup(cliCtx)
					if err != nil {
						return err
					}
					defer rt.close()

					rt.coordinator.Restore()
					profile, err := rt.coordinator.FetchProfile(cliCtx.Context)
					if err != nil {
						return err
					}
					fmt.Printf("Usuario:  %s\n", profile.Username)
					fmt.Printf("Email:    %s\n", profile.Email)
					fmt.Printf("Nombre:   %s %s\n", profile.FirstName, profile.LastName)
					fmt.Printf("Teléfono: %s\n", profile.Phone)
					return nil
				},
			},
			{
				Name:  "update",
				Usage: "edit profile fields",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "first-name"},
					&cli.StringFlag{Name: "last-name"},
					&cli.StringFlag{Name: "phone"},
					&cli.StringFlag{Name: "gender"},
					&cli.StringFlag{Name: "birth-date"},
				},
				Action: func(cliCtx *cli.Context) error {
					rt, err := setup(cliCtx)
					if err != nil {
						return err
					}
					defer rt.close()

					snap := rt.coordinator.Restore()
					if !snap.IsAuthenticated {
						return errors.New("[profile update] no active session, log in first")
					}
					// Start from the current profile so unset flags keep
					// their value.
					profile, err := rt.coordinator.FetchProfile(cliCtx.Context)
					if err != nil {
						return err
					}
					if v := cliCtx.String("first-name"); v != "" {
						profile.FirstName = v
					}
					if v := cliCtx.String("last-name"); v != "" {
						profile.LastName = v
					}
					if v := cliCtx.String("phone"); v != "" {
						profile.Phone = v
					}
					if v := cliCtx.String("gender"); v != "" {
						profile.Gender = v
					}
					if v := cliCtx.String("birth-date"); v != "" {
						profile.Birthdate = v
					}
					if err := rt.coordinator.UpdateProfile(cliCtx.Context, *profile); err != nil {
						return err
					}
					fmt.Println("Perfil actualizado")
					return nil
				},
			},
		},
	}
}

func passwdCommand() *cli.Command {
	return &cli.Command{
		Name:  "passwd",
		Usage: "change the logged-in user's password",
		Action: func(cliCtx *cli.Context) error {
			rt, err := setup(cliCtx)
			if err != nil {
				return err
			}
			defer rt.close()

			snap := rt.coordinator.Restore()
			if !snap.IsAuthenticated {
				return errors.New("[passwd] no active session, log in first")
			}
			oldPassword, err := promptPassword("Contraseña actual: ")
			if err != nil {
				return err
			}
			newPassword, err := promptPassword("Nueva contraseña: ")
			if err != nil {
				return err
			}
			confirm, err := promptPassword("Confirmar nueva contraseña: ")
			if err != nil {
				return err
			}
			if newPassword != confirm {
				return errors.New("[passwd] passwords do not match")
			}
			if err := rt.coordinator.ChangePassword(cliCtx.Context, oldPassword, newPassword); err != nil {
				return err
			}
			fmt.Println("Contraseña actualizada")
			return nil
		},
	}
}

func studentsCommand() *cli.Command {
	return &cli.Command{
		Name:  "students",
		Usage: "manage student accounts (requires a teacher session)",
		Subcommands: []*cli.Command{
			studentsListCommand(),
			studentsCreateCommand(),
			studentsDeleteCommand(),
			studentsResetPasswordCommand(),
		},
	}
}

func adminFromRuntime(cliCtx *cli.Context, rt *runtime) (*users.AdminClient, session.Snapshot, error) {
	snap := rt.coordinator.Restore()
	if !snap.IsAuthenticated {
		return nil, snap, errors.New("[students] no active session, log in first")
	}
	if snap.Role != roles.Profesor {
		return nil, snap, errors.New("[students] student administration requires a teacher session")
	}
	baseURL := rt.cfg.GetAPIBaseURL()
	if override := cliCtx.String("api-url"); override != "" {
		baseURL = override
	}
	return users.NewAdminClient(baseURL, rt.store), snap, nil
}

func studentsListCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list students created by the current teacher",
		Action: func(cliCtx *cli.Context) error {
			rt, err := setup(cliCtx)
			if err != nil {
				return err
			}
			defer rt.close()

			admin, snap, err := adminFromRuntime(cliCtx, rt)
			if err != nil {
				return err
			}
			createdBy := ""
			if snap.Profile != nil {
				createdBy = snap.Profile.ID
			}
			students, err := admin.List(cliCtx.Context, createdBy)
			if err != nil {
				return err
			}
			if len(students) == 0 {
				fmt.Println("Sin alumnos")
				return nil
			}
			for _, s := range students {
				fmt.Printf("%s\t%s\t%s %s\n", s.ID, s.Username, s.FirstName, s.LastName)
			}
			return nil
		},
	}
}

func studentsCreateCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "create a student account",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "username", Required: true},
			&cli.StringFlag{Name: "email"},
			&cli.StringFlag{Name: "first-name"},
			&cli.StringFlag{Name: "last-name"},
		},
		Action: func(cliCtx *cli.Context) error {
			rt, err := setup(cliCtx)
			if err != nil {
				return err
			}
			defer rt.close()

			admin, snap, err := adminFromRuntime(cliCtx, rt)
			if err != nil {
				return err
			}
			password, err := promptPassword("Contraseña del alumno: ")
			if err != nil {
				return err
			}
			student := users.Profile{
				Username:  cliCtx.String("username"),
				Email:     cliCtx.String("email"),
				FirstName: cliCtx.String("first-name"),
				LastName:  cliCtx.String("last-name"),
				Enabled:   true,
			}
			if snap.Profile != nil {
				student.CreatedBy = snap.Profile.ID
			}
			if err := admin.Create(cliCtx.Context, student, password); err != nil {
				return err
			}
			fmt.Println("Alumno creado")
			return nil
		},
	}
}

func studentsDeleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "delete a student account",
		ArgsUsage: "<student-id>",
		Action: func(cliCtx *cli.Context) error {
			if cliCtx.NArg() != 1 {
				return errors.New("[students delete] expected exactly one student id")
			}
			rt, err := setup(cliCtx)
			if err != nil {
				return err
			}
			defer rt.close()

			admin, _, err := adminFromRuntime(cliCtx, rt)
			if err != nil {
				return err
			}
			if err := admin.Delete(cliCtx.Context, cliCtx.Args().First()); err != nil {
				return err
			}
			fmt.Println("Alumno eliminado")
			return nil
		},
	}
}

func studentsResetPasswordCommand() *cli.Command {
	return &cli.Command{
		Name:      "reset-password",
		Usage:     "set a new password for a student account",
		ArgsUsage: "<student-id>",
		Action: func(cliCtx *cli.Context) error {
			if cliCtx.NArg() != 1 {
				return errors.New("[students reset-password] expected exactly one student id")
			}
			rt, err := setup(cliCtx)
			if err != nil {
				return err
			}
			defer rt.close()

			admin, _, err := adminFromRuntime(cliCtx, rt)
			if err != nil {
				return err
			}
			password, err := promptPassword("Nueva contraseña: ")
			if err != nil {
				return err
			}
			if err := admin.ResetPassword(cliCtx.Context, cliCtx.Args().First(), password); err != nil {
				return err
			}
			fmt.Println("Contraseña actualizada")
			return nil
		},
	}
}

func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "[promptLine] reading input")
	}
	return strings.TrimSpace(line), nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", errors.Wrap(err, "[promptPassword] reading password")
	}
	return string(raw), nil
}
